package main

import (
	"context"
	"errors"
	"fmt"

	"concierge/internal/config"
	"concierge/internal/graph"
	"concierge/internal/intent"
	"concierge/internal/llm"
	"concierge/internal/logging"
	"concierge/internal/msauth"
	"concierge/internal/orchestrator"
	"concierge/internal/responder"
	"concierge/internal/vault"
)

// app bundles the wired pipeline for the serve and chat channels.
type app struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	vault        *vault.Vault
	watcher      *config.Watcher
}

// silentAdapter maps the token client onto the vault's Reacquirer contract,
// translating its sentinels into the vault taxonomy.
type silentAdapter struct {
	client *msauth.Client
	scopes []string
}

func (a silentAdapter) Reacquire(ctx context.Context, accountRef string) (vault.Credential, error) {
	tok, err := a.client.Reacquire(ctx, accountRef, a.scopes)
	if err != nil {
		if errors.Is(err, msauth.ErrInteractionRequired) {
			return vault.Credential{}, fmt.Errorf("%w: %v", vault.ErrReauthRequired, err)
		}
		return vault.Credential{}, err
	}
	return vault.Credential{
		Secret:     tok.AccessToken,
		ExpiresAt:  tok.ExpiresAt,
		AccountRef: tok.AccountRef,
	}, nil
}

// exchangeAdapter maps the token client onto the vault's Exchanger contract.
type exchangeAdapter struct {
	client *msauth.Client
	scopes []string
}

func (a exchangeAdapter) Exchange(ctx context.Context, assertion string) (vault.Credential, error) {
	tok, err := a.client.Exchange(ctx, assertion, a.scopes)
	if err != nil {
		switch {
		case errors.Is(err, msauth.ErrConsentRequired):
			return vault.Credential{}, fmt.Errorf("%w: %v", vault.ErrConsentRequired, err)
		case errors.Is(err, msauth.ErrInvalidAssertion):
			return vault.Credential{}, fmt.Errorf("%w: %v", vault.ErrReauthRequired, err)
		}
		return vault.Credential{}, err
	}
	return vault.Credential{
		Secret:     tok.AccessToken,
		ExpiresAt:  tok.ExpiresAt,
		AccountRef: tok.AccountRef,
	}, nil
}

// buildApp wires the full pipeline from config. Close releases the vault
// sweep and the config watcher.
func buildApp(cfg *config.Config) (*app, error) {
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	log := logging.Get(logging.CategoryBoot)

	completer, err := llm.NewClientFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build completion client: %w", err)
	}

	copilot := graph.NewCopilotClient(graph.CopilotConfig{
		BaseURL:  cfg.Graph.BaseURL,
		TimeZone: cfg.Graph.TimeZone,
		Timeout:  cfg.GetGraphTimeout(),
	})

	scopes := cfg.Auth.Scopes
	if len(scopes) == 0 {
		scopes = config.DefaultScopes
	}
	tokens := msauth.NewClient(msauth.Config{
		TenantID:     cfg.Auth.TenantID,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		TokenURL:     cfg.Auth.TokenURL,
	})

	v, err := vault.New(cfg.Vault.Secret,
		silentAdapter{client: tokens, scopes: scopes},
		exchangeAdapter{client: tokens, scopes: scopes},
		vault.Options{
			RefreshSkew:   cfg.GetRefreshSkew(),
			SessionTTL:    cfg.GetSessionTTL(),
			SweepInterval: cfg.GetSweepInterval(),
		})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	orch := orchestrator.New(
		intent.NewClassifier(completer),
		responder.NewRouter(copilot, completer),
		completer,
		v,
		orchestrator.Settings{
			MaxIntents: cfg.Orchestration.MaxIntents,
			Timeout:    cfg.GetOrchestrationTimeout(),
			Parallel:   cfg.Orchestration.Parallel,
		})

	a := &app{cfg: cfg, orchestrator: orch, vault: v}

	// Orchestration settings hot-reload when the config file changes.
	watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		orch.UpdateSettings(orchestrator.Settings{
			MaxIntents: next.Orchestration.MaxIntents,
			Timeout:    next.GetOrchestrationTimeout(),
			Parallel:   next.Orchestration.Parallel,
		})
	})
	if err != nil {
		log.Warn("config watcher unavailable: %v", err)
	} else if err := watcher.Start(); err != nil {
		log.Warn("config watcher failed to start: %v", err)
	} else {
		a.watcher = watcher
	}

	log.Info("concierge wired (provider=%s, parallel=%t)", cfg.LLM.Provider, cfg.Orchestration.Parallel)
	return a, nil
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.vault.Close()
}
