// Package responder executes one classified intent against the correct
// backend capability and normalizes the outcome. Execute never fails; every
// capability error is absorbed into a user-safe Result.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"concierge/internal/graph"
	"concierge/internal/intent"
	"concierge/internal/logging"
)

// Fixed user-facing messages for enterprise backend failures. No backend
// error detail ever reaches Result.Text.
const (
	MsgSessionExpired     = "Your session has expired. Please log in again."
	MsgNoLicense          = "You don't have access to Microsoft 365 Copilot. Please contact your administrator to verify your license."
	MsgServiceUnavailable = "The Copilot service is not available. Please try again later."
	MsgGenericFailure     = "Sorry, an error occurred processing your request. Please try again."
	MsgNoAnswer           = "I'm unable to answer that question at the moment."
)

const generalKnowledgePrompt = `You are a helpful AI assistant. Answer the following question clearly and concisely.

Question: %s

Provide a clear, accurate answer based on your knowledge.`

// Source identifies which capability produced a result.
const (
	SourceEnterprise = "copilot"
	SourceGeneral    = "general"
)

// Result is the normalized outcome of executing one intent. When OK is
// false, Text holds a user-safe message, never an error detail.
type Result struct {
	Source string
	Kind   intent.Kind
	Text   string
	OK     bool
}

// EnterpriseChatter is the enterprise-data capability. Satisfied by
// graph.CopilotClient.
type EnterpriseChatter interface {
	Chat(ctx context.Context, query, credential, conversationHandle string) (text, newHandle string, err error)
}

// Answerer is the general-knowledge capability. Satisfied by llm.Client.
type Answerer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Router dispatches intents to the two capabilities. It holds no mutable
// state; conversation handles are owned by the caller and passed through.
type Router struct {
	enterprise EnterpriseChatter
	general    Answerer
	log        *logging.Logger
}

// NewRouter creates a router over the two capabilities.
func NewRouter(enterprise EnterpriseChatter, general Answerer) *Router {
	return &Router{
		enterprise: enterprise,
		general:    general,
		log:        logging.Get(logging.CategoryResponder),
	}
}

// Execute runs the intent and returns the result plus the (possibly updated)
// conversation handle. It never returns an error.
func (r *Router) Execute(ctx context.Context, in intent.Intent, credential, convHandle string) (Result, string) {
	switch in.Kind {
	case intent.EnterpriseEmail, intent.EnterpriseCalendar, intent.EnterpriseFiles, intent.EnterprisePeople:
		return r.executeEnterprise(ctx, in, credential, convHandle)

	case intent.GeneralKnowledge:
		return r.executeGeneral(ctx, in), convHandle

	default:
		r.log.Warn("unroutable intent kind %q", in.Kind)
		return Result{Source: SourceGeneral, Kind: in.Kind, Text: MsgGenericFailure}, convHandle
	}
}

func (r *Router) executeEnterprise(ctx context.Context, in intent.Intent, credential, convHandle string) (Result, string) {
	res := Result{Source: SourceEnterprise, Kind: in.Kind}

	if credential == "" {
		res.Text = MsgSessionExpired
		return res, convHandle
	}

	text, newHandle, err := r.enterprise.Chat(ctx, in.Query, credential, convHandle)
	if err != nil {
		r.log.Warn("enterprise responder failed for %s: %v", in.Kind, err)
		res.Text = enterpriseFailureMessage(err)
		return res, convHandle
	}

	res.Text = text
	res.OK = true
	return res, newHandle
}

func (r *Router) executeGeneral(ctx context.Context, in intent.Intent) Result {
	res := Result{Source: SourceGeneral, Kind: in.Kind}

	answer, err := r.general.Complete(ctx, fmt.Sprintf(generalKnowledgePrompt, in.Query))
	if err != nil {
		r.log.Warn("general responder failed: %v", err)
		res.Text = MsgGenericFailure
		return res
	}
	if strings.TrimSpace(answer) == "" {
		res.Text = MsgNoAnswer
		return res
	}

	res.Text = answer
	res.OK = true
	return res
}

func enterpriseFailureMessage(err error) string {
	switch {
	case errors.Is(err, graph.ErrUnauthorized):
		return MsgSessionExpired
	case errors.Is(err, graph.ErrForbidden):
		return MsgNoLicense
	case errors.Is(err, graph.ErrUnavailable):
		return MsgServiceUnavailable
	default:
		return MsgGenericFailure
	}
}
