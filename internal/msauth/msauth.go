// Package msauth acquires delegated Microsoft identity tokens: silent
// reacquisition via refresh grants and on-behalf-of assertion exchange.
package msauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"concierge/internal/logging"
)

// Errors that require action from the user rather than a retry.
var (
	// ErrInteractionRequired means the refresh grant cannot proceed silently
	// and the user must sign in again.
	ErrInteractionRequired = errors.New("msauth: interaction required")
	// ErrConsentRequired means the user has not consented to the requested
	// scopes.
	ErrConsentRequired = errors.New("msauth: consent required")
	// ErrInvalidAssertion means the inbound assertion was rejected.
	ErrInvalidAssertion = errors.New("msauth: invalid assertion")
)

// RequiredScopes are the delegated Graph scopes the enterprise responder
// needs for Copilot access.
var RequiredScopes = []string{
	"email",
	"User.Read",
	"Mail.Read",
	"Calendars.Read",
	"Files.Read.All",
	"Sites.Read.All",
	"People.Read.All",
	"Chat.Read",
	"OnlineMeetingTranscript.Read.All",
	"ChannelMessage.Read.All",
	"ExternalItem.Read.All",
}

// Token is the result of a successful acquisition.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountRef   string
}

// Config identifies the confidential client application.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string // Derived from TenantID when empty
	Timeout      time.Duration
}

func (c Config) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	// Home account identifier for subsequent silent acquisitions.
	ClientInfo string `json:"client_info"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	SubError         string `json:"suberror"`
}

// Client performs token-endpoint grants for the configured application.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates a token client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.Get(logging.CategoryGraph).With("component", "msauth"),
	}
}

// Reacquire obtains a fresh access token silently from a stored account
// reference (the refresh token). When the identity platform demands user
// interaction, it returns ErrInteractionRequired.
func (c *Client) Reacquire(ctx context.Context, accountRef string, scopes []string) (Token, error) {
	if accountRef == "" {
		return Token{}, fmt.Errorf("%w: no account reference", ErrInteractionRequired)
	}

	data := url.Values{}
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)
	data.Set("refresh_token", accountRef)
	data.Set("grant_type", "refresh_token")
	data.Set("scope", strings.Join(scopes, " "))

	tok, err := c.postGrant(ctx, data)
	if err != nil {
		return Token{}, err
	}
	c.log.Debug("silent reacquisition succeeded (expires %s)", tok.ExpiresAt.Format(time.RFC3339))
	return tok, nil
}

// Exchange trades an inbound user assertion for a delegated Graph token via
// the on-behalf-of grant.
func (c *Client) Exchange(ctx context.Context, assertion string, scopes []string) (Token, error) {
	if assertion == "" {
		return Token{}, fmt.Errorf("%w: empty assertion", ErrInvalidAssertion)
	}

	data := url.Values{}
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	data.Set("assertion", assertion)
	data.Set("requested_token_use", "on_behalf_of")
	data.Set("scope", strings.Join(scopes, " "))

	tok, err := c.postGrant(ctx, data)
	if err != nil {
		return Token{}, err
	}
	c.log.Debug("assertion exchange succeeded (expires %s)", tok.ExpiresAt.Format(time.RFC3339))
	return tok, nil
}

func (c *Client) postGrant(ctx context.Context, data url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.tokenURL(), strings.NewReader(data.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Token{}, mapGrantError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, fmt.Errorf("token response contained no access token")
	}

	return Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		AccountRef:   tr.RefreshToken,
	}, nil
}

// mapGrantError translates AADSTS error codes into the sentinel taxonomy.
func mapGrantError(status int, body []byte) error {
	var te tokenError
	if err := json.Unmarshal(body, &te); err != nil {
		return fmt.Errorf("token grant failed with status %d: %s", status, string(body))
	}

	switch te.Error {
	case "interaction_required", "login_required":
		return fmt.Errorf("%w: %s", ErrInteractionRequired, te.ErrorDescription)
	case "consent_required":
		return fmt.Errorf("%w: %s", ErrConsentRequired, te.ErrorDescription)
	case "invalid_grant":
		// invalid_grant with a consent suberror still means consent.
		if te.SubError == "consent_required" {
			return fmt.Errorf("%w: %s", ErrConsentRequired, te.ErrorDescription)
		}
		return fmt.Errorf("%w: %s", ErrInvalidAssertion, te.ErrorDescription)
	default:
		return fmt.Errorf("token grant failed (%s): %s", te.Error, te.ErrorDescription)
	}
}
