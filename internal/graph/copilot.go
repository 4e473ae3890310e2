// Package graph implements the enterprise-data capability against the
// Microsoft 365 Copilot Chat API (beta surface).
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"concierge/internal/logging"
)

// Typed backend errors. The responder maps these to fixed user-facing
// messages; they must survive fmt.Errorf("%w") wrapping.
var (
	// ErrUnauthorized indicates the access token was rejected (401).
	ErrUnauthorized = errors.New("copilot: unauthorized")
	// ErrForbidden indicates the user lacks a Copilot license (403).
	ErrForbidden = errors.New("copilot: forbidden")
	// ErrUnavailable indicates the service cannot serve the request (404/5xx).
	ErrUnavailable = errors.New("copilot: service unavailable")
)

// DefaultBaseURL is the Graph beta root hosting the Copilot Chat API.
const DefaultBaseURL = "https://graph.microsoft.com/beta"

// allowedHosts restricts which hosts receive the user's access token.
var allowedHosts = map[string]bool{
	"graph.microsoft.com":     true,
	"graph.microsoft-ppe.com": true,
}

// CopilotClient talks to the two-step Copilot conversation API:
// create a conversation, then post chat messages into it.
type CopilotClient struct {
	baseURL    string
	timeZone   string
	httpClient *http.Client
	log        *logging.Logger

	// checkHost is disabled for test servers via WithHostCheck(false).
	checkHost bool
}

// CopilotConfig holds configuration for the Copilot client.
type CopilotConfig struct {
	BaseURL  string
	TimeZone string
	Timeout  time.Duration
}

// NewCopilotClient creates a Copilot Chat API client.
func NewCopilotClient(cfg CopilotConfig) *CopilotClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "America/Los_Angeles"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CopilotClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeZone:   cfg.TimeZone,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logging.Get(logging.CategoryGraph),
		checkHost:  true,
	}
}

// WithHostCheck toggles the token host allowlist. Tests against local
// httptest servers need it off.
func (c *CopilotClient) WithHostCheck(on bool) *CopilotClient {
	c.checkHost = on
	return c
}

type conversationResponse struct {
	ID string `json:"id"`
}

type chatPostRequest struct {
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	LocationHint struct {
		TimeZone string `json:"timeZone"`
	} `json:"locationHint"`
}

type chatPostResponse struct {
	Messages []struct {
		Text string `json:"text"`
	} `json:"messages"`
}

// Chat sends a query to Copilot, creating a conversation first when
// conversationID is empty. It returns the answer text and the conversation
// id to carry into the next turn.
func (c *CopilotClient) Chat(ctx context.Context, query, accessToken, conversationID string) (string, string, error) {
	if accessToken == "" {
		return "", conversationID, fmt.Errorf("%w: no access token", ErrUnauthorized)
	}

	if conversationID == "" {
		id, err := c.createConversation(ctx, accessToken)
		if err != nil {
			return "", "", err
		}
		conversationID = id
		c.log.Info("created copilot conversation %s", conversationID)
	}

	var req chatPostRequest
	req.Message.Text = query
	req.LocationHint.TimeZone = c.timeZone

	url := fmt.Sprintf("%s/copilot/conversations/%s/microsoft.graph.copilot.chat", c.baseURL, conversationID)
	body, err := c.post(ctx, url, accessToken, req)
	if err != nil {
		return "", conversationID, err
	}

	var resp chatPostResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", conversationID, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "No response received from Copilot.", conversationID, nil
	}

	// The assistant's answer is the last message in the thread.
	text := strings.TrimSpace(resp.Messages[len(resp.Messages)-1].Text)
	if text == "" {
		text = "No response content."
	}
	return text, conversationID, nil
}

func (c *CopilotClient) createConversation(ctx context.Context, accessToken string) (string, error) {
	body, err := c.post(ctx, c.baseURL+"/copilot/conversations", accessToken, struct{}{})
	if err != nil {
		return "", err
	}

	var conv conversationResponse
	if err := json.Unmarshal(body, &conv); err != nil {
		return "", fmt.Errorf("failed to parse conversation response: %w", err)
	}
	if conv.ID == "" {
		return "", fmt.Errorf("%w: conversation created without an id", ErrUnavailable)
	}
	return conv.ID, nil
}

func (c *CopilotClient) post(ctx context.Context, url, accessToken string, payload any) ([]byte, error) {
	if c.checkHost {
		req, err := http.NewRequest("GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		if !allowedHosts[req.URL.Hostname()] {
			return nil, fmt.Errorf("refusing to send token to host %q", req.URL.Hostname())
		}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: status 401", ErrUnauthorized)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status 403", ErrForbidden)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("copilot request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
