// Package orchestrator coordinates a user query end to end: validate,
// classify, decide enterprise access, dispatch responders, synthesize.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"concierge/internal/intent"
	"concierge/internal/logging"
	"concierge/internal/responder"
	"concierge/internal/vault"
)

// MaxMessageLength caps the raw query size in characters.
const MaxMessageLength = 4000

// synthesisBudget caps the serialized responder results fed to synthesis.
const synthesisBudget = 50_000

const truncationMarker = "...[truncated]"

// Fixed terminal messages. Every terminal path returns plain text.
var (
	MsgEmptyInput     = "Please enter a message."
	MsgTooLong        = fmt.Sprintf("Message too long. Maximum %d characters allowed.", MaxMessageLength)
	MsgTimeout        = "The request timed out. Please try a simpler query or try again later."
	MsgInternal       = "Sorry, an error occurred processing your request. Please try again."
	MsgNoAnswer       = "I couldn't generate a response."
	MsgSignInRequired = "Please sign in to access your Microsoft 365 data (emails, calendar, files, people), then try again."
	SignInNote        = "Note: sign in to also get answers about your emails, calendar, files, and people."
)

const synthesisPrompt = `You are a response synthesizer. Your job is to combine multiple agent responses into a single,
coherent response that addresses the user's original query.

Original User Query: %s

Agent Responses:
%s

Instructions:
1. Analyze all the agent responses
2. Combine them into a single, well-organized response
3. Maintain clear structure - if there are multiple topics, organize them with headers or clear transitions
4. Remove any redundancy between responses
5. Ensure the response directly addresses the user's original query
6. Keep the tone helpful and conversational
7. If one response is about enterprise data (emails, calendar, etc.) and another is general knowledge,
   present the enterprise data first, then the general information

Synthesized Response:
`

// Status classifies the terminal path of a request.
type Status string

const (
	StatusOK             Status = "ok"
	StatusEmptyInput     Status = "empty_input"
	StatusTooLong        Status = "too_long"
	StatusSignInRequired Status = "sign_in_required"
	StatusTimeout        Status = "timeout"
	StatusInternal       Status = "internal"
)

// Request is one inbound user query. Either SessionID or Assertion
// establishes identity for enterprise intents; both may be empty for
// anonymous general-knowledge use.
type Request struct {
	SessionID  string
	Assertion  string
	Text       string
	ConvHandle string
}

// Outcome is the terminal result of a request.
type Outcome struct {
	Text       string
	ConvHandle string
	Status     Status
}

// Classifier produces routable intents; it never fails.
type Classifier interface {
	Classify(ctx context.Context, query string) []intent.Intent
}

// Router executes one intent; it never fails.
type Router interface {
	Execute(ctx context.Context, in intent.Intent, credential, convHandle string) (responder.Result, string)
}

// Synthesizer merges multiple responder outputs. Satisfied by llm.Client.
type Synthesizer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CredentialSource serves delegated credentials. Satisfied by vault.Vault.
type CredentialSource interface {
	Get(ctx context.Context, sessionID string) (string, error)
	ExchangeDelegatedAssertion(ctx context.Context, assertion string) (vault.Credential, error)
	Store(sessionID, rawCredential string, expiresAt time.Time, accountRef string) error
}

// Settings tune per-request behavior; they are hot-reloadable.
type Settings struct {
	MaxIntents int
	Timeout    time.Duration
	Parallel   bool
}

func (s Settings) normalized() Settings {
	if s.MaxIntents <= 0 {
		s.MaxIntents = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s
}

// Orchestrator is safe for concurrent use across requests.
type Orchestrator struct {
	classifier Classifier
	router     Router
	synth      Synthesizer
	creds      CredentialSource
	log        *logging.Logger

	mu       sync.RWMutex
	settings Settings
}

// New creates an orchestrator over the four collaborators.
func New(classifier Classifier, router Router, synth Synthesizer, creds CredentialSource, settings Settings) *Orchestrator {
	return &Orchestrator{
		classifier: classifier,
		router:     router,
		synth:      synth,
		creds:      creds,
		log:        logging.Get(logging.CategoryOrchestrator),
		settings:   settings.normalized(),
	}
}

// UpdateSettings swaps in new settings; in-flight requests keep the settings
// they started with.
func (o *Orchestrator) UpdateSettings(s Settings) {
	o.mu.Lock()
	o.settings = s.normalized()
	o.mu.Unlock()
	o.log.Info("settings updated (max_intents=%d timeout=%s parallel=%t)",
		o.settings.MaxIntents, o.settings.Timeout, o.settings.Parallel)
}

func (o *Orchestrator) currentSettings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// Handle runs the full pipeline for one request.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (out Outcome) {
	requestID := uuid.NewString()
	log := o.log.With("request_id", requestID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling request: %v", r)
			out = Outcome{Text: MsgInternal, ConvHandle: req.ConvHandle, Status: StatusInternal}
		}
	}()

	// Validation runs outside the deadline.
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Outcome{Text: MsgEmptyInput, ConvHandle: req.ConvHandle, Status: StatusEmptyInput}
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return Outcome{Text: MsgTooLong, ConvHandle: req.ConvHandle, Status: StatusTooLong}
	}

	settings := o.currentSettings()
	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	log.Info("processing query (%d chars, parallel=%t)", utf8.RuneCountInString(text), settings.Parallel)

	intents := o.classifier.Classify(ctx, text)
	if len(intents) > settings.MaxIntents {
		log.Warn("truncating intents from %d to %d", len(intents), settings.MaxIntents)
		intents = intents[:settings.MaxIntents]
	}
	if deadlineHit(ctx) {
		log.Warn("deadline expired during classification")
		return Outcome{Text: MsgTimeout, ConvHandle: req.ConvHandle, Status: StatusTimeout}
	}
	log.Info("classified %d intent(s): %s", len(intents), kindList(intents))

	intents, credential, degraded, stop := o.decideAuth(ctx, log, req, intents)
	if stop {
		if deadlineHit(ctx) {
			return Outcome{Text: MsgTimeout, ConvHandle: req.ConvHandle, Status: StatusTimeout}
		}
		return Outcome{Text: MsgSignInRequired, ConvHandle: req.ConvHandle, Status: StatusSignInRequired}
	}

	results, convHandle := o.dispatch(ctx, settings, intents, credential, req.ConvHandle)
	if deadlineHit(ctx) {
		log.Warn("deadline expired during dispatch, discarding partial results")
		return Outcome{Text: MsgTimeout, ConvHandle: req.ConvHandle, Status: StatusTimeout}
	}

	final, err := o.synthesize(ctx, text, results)
	if err != nil {
		if deadlineHit(ctx) {
			log.Warn("deadline expired during synthesis")
			return Outcome{Text: MsgTimeout, ConvHandle: req.ConvHandle, Status: StatusTimeout}
		}
		log.Error("synthesis failed: %v", err)
		return Outcome{Text: MsgInternal, ConvHandle: req.ConvHandle, Status: StatusInternal}
	}

	if degraded {
		final = final + "\n\n" + SignInNote
	}
	return Outcome{Text: final, ConvHandle: convHandle, Status: StatusOK}
}

// decideAuth resolves the credential for enterprise intents. When access
// cannot be established it either degrades to the general-knowledge intents
// or signals a hard stop (stop=true) for a sign-in prompt.
func (o *Orchestrator) decideAuth(ctx context.Context, log *logging.Logger, req Request, intents []intent.Intent) (kept []intent.Intent, credential string, degraded, stop bool) {
	needsEnterprise := false
	for _, in := range intents {
		if in.Kind.IsEnterprise() {
			needsEnterprise = true
			break
		}
	}
	if !needsEnterprise {
		return intents, "", false, false
	}

	credential, err := o.acquireCredential(ctx, req)
	if err == nil {
		return intents, credential, false, false
	}
	log.Info("enterprise access not available: %v", err)

	general := intents[:0:0]
	for _, in := range intents {
		if !in.Kind.IsEnterprise() {
			general = append(general, in)
		}
	}
	if len(general) > 0 {
		return general, "", true, false
	}
	return nil, "", false, true
}

func (o *Orchestrator) acquireCredential(ctx context.Context, req Request) (string, error) {
	if req.SessionID != "" {
		cred, err := o.creds.Get(ctx, req.SessionID)
		if err == nil {
			return cred, nil
		}
		// A session with a fresh assertion can be re-established in place.
		if errors.Is(err, vault.ErrNotFound) && req.Assertion != "" {
			return o.exchangeAndCache(ctx, req)
		}
		return "", err
	}
	if req.Assertion != "" {
		cred, err := o.creds.ExchangeDelegatedAssertion(ctx, req.Assertion)
		if err != nil {
			return "", err
		}
		return cred.Secret, nil
	}
	return "", vault.ErrReauthRequired
}

func (o *Orchestrator) exchangeAndCache(ctx context.Context, req Request) (string, error) {
	cred, err := o.creds.ExchangeDelegatedAssertion(ctx, req.Assertion)
	if err != nil {
		return "", err
	}
	if err := o.creds.Store(req.SessionID, cred.Secret, cred.ExpiresAt, cred.AccountRef); err != nil {
		return "", err
	}
	return cred.Secret, nil
}

// dispatch executes the intents, preserving intent order in the results
// regardless of completion order.
func (o *Orchestrator) dispatch(ctx context.Context, settings Settings, intents []intent.Intent, credential, convHandle string) ([]responder.Result, string) {
	results := make([]responder.Result, len(intents))

	if !settings.Parallel {
		handle := convHandle
		for i, in := range intents {
			results[i], handle = o.router.Execute(ctx, in, credential, handle)
		}
		return results, handle
	}

	var handleMu sync.Mutex
	handle := convHandle

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range intents {
		g.Go(func() error {
			res, h := o.router.Execute(gctx, in, credential, convHandle)
			results[i] = res
			if h != "" && h != convHandle {
				handleMu.Lock()
				handle = h
				handleMu.Unlock()
			}
			return nil
		})
	}
	// The router never fails, so Wait only joins the fan-out.
	_ = g.Wait()

	return results, handle
}

// synthesize merges successful results into the final answer. Zero successes
// yield the fixed no-answer message; a single success is returned verbatim
// without a synthesis call.
func (o *Orchestrator) synthesize(ctx context.Context, query string, results []responder.Result) (string, error) {
	successes := make([]responder.Result, 0, len(results))
	for _, r := range results {
		if r.OK {
			successes = append(successes, r)
		}
	}

	switch len(successes) {
	case 0:
		// Surface a failed responder's user-safe message when there is
		// exactly one, rather than the generic no-answer text.
		if len(results) == 1 {
			return results[0].Text, nil
		}
		return MsgNoAnswer, nil
	case 1:
		return successes[0].Text, nil
	}

	serialized := serializeResults(successes)
	answer, err := o.synth.Complete(ctx, fmt.Sprintf(synthesisPrompt, query, serialized))
	if err != nil {
		return "", fmt.Errorf("synthesis call: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		return MsgNoAnswer, nil
	}
	return answer, nil
}

type serializedResult struct {
	Agent      string `json:"agent"`
	IntentType string `json:"intent_type"`
	Content    string `json:"content"`
}

// serializeResults renders the successes as JSON, truncated to the
// synthesis budget with a marker when cut.
func serializeResults(results []responder.Result) string {
	items := make([]serializedResult, len(results))
	for i, r := range results {
		items[i] = serializedResult{
			Agent:      r.Source,
			IntentType: string(r.Kind),
			Content:    r.Text,
		}
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > synthesisBudget {
		s = s[:synthesisBudget-len(truncationMarker)] + truncationMarker
	}
	return s
}

func deadlineHit(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func kindList(intents []intent.Intent) string {
	kinds := make([]string, len(intents))
	for i, in := range intents {
		kinds[i] = string(in.Kind)
	}
	return strings.Join(kinds, ", ")
}
