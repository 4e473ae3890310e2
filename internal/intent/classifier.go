package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"concierge/internal/logging"
)

// Completer is the completion capability the classifier calls. Satisfied by
// llm.Client.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const classificationPrompt = `You are an intent classifier for a query orchestration system. Analyze the user's query and identify which responders should handle it.

Available intent types:
- EnterpriseEmail: Questions about emails, messages, inbox, mail
- EnterpriseCalendar: Questions about meetings, schedule, calendar, appointments
- EnterpriseFiles: Questions about documents, files, SharePoint, OneDrive
- EnterprisePeople: Questions about colleagues, organization, team members, expertise
- GeneralKnowledge: General questions not related to enterprise data

Rules:
1. A query can have multiple intents (e.g., "Summarize my emails and explain REST APIs" has EnterpriseEmail + GeneralKnowledge)
2. If the query mentions personal data (my emails, my calendar, my files, my team), route to the appropriate enterprise intent
3. If the query is about general concepts, technology, or information not in enterprise data, use GeneralKnowledge
4. Extract the relevant sub-query for each intent

User Query: %s

Respond with ONLY a JSON array, no other text:
[
  {"type": "IntentType", "query": "extracted sub-query for this intent"}
]

Example for "What meetings do I have tomorrow and what is Docker?":
[
  {"type": "EnterpriseCalendar", "query": "What meetings do I have tomorrow"},
  {"type": "GeneralKnowledge", "query": "What is Docker"}
]`

// Classifier turns a raw query into routable intents via the completion
// capability. It never fails: any problem collapses to the general-knowledge
// fallback.
type Classifier struct {
	completer Completer
	log       *logging.Logger
}

// NewClassifier creates a classifier backed by the given completer.
func NewClassifier(completer Completer) *Classifier {
	return &Classifier{
		completer: completer,
		log:       logging.Get(logging.CategoryIntent),
	}
}

// Classify analyzes the query. The returned slice is never empty.
func (c *Classifier) Classify(ctx context.Context, query string) []Intent {
	raw, err := c.completer.Complete(ctx, fmt.Sprintf(classificationPrompt, query))
	if err != nil {
		c.log.Warn("classification call failed, falling back to general knowledge: %v", err)
		return Fallback(query)
	}

	intents, err := parseIntents(stripFences(raw))
	if err != nil {
		c.log.Warn("classification response rejected (%v), falling back to general knowledge", err)
		return Fallback(query)
	}
	return intents
}

type wireIntent struct {
	Type       string  `json:"type"`
	Query      string  `json:"query"`
	Confidence float64 `json:"confidence,omitempty"`
}

// parseIntents enforces the closed enum strictly: one unknown kind anywhere
// poisons the whole response.
func parseIntents(raw string) ([]Intent, error) {
	var wire []wireIntent
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %w", err)
	}
	if len(wire) == 0 {
		return nil, fmt.Errorf("response is empty")
	}

	intents := make([]Intent, 0, len(wire))
	for _, w := range wire {
		kind, err := ParseKind(w.Type)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(w.Query) == "" {
			return nil, fmt.Errorf("intent %s has an empty sub-query", kind)
		}
		intents = append(intents, Intent{
			Kind:       kind,
			Query:      strings.TrimSpace(w.Query),
			Confidence: w.Confidence,
		})
	}
	return intents, nil
}

var (
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	bareFenceRe = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

// stripFences unwraps a JSON payload from markdown code fences, which
// completion models add despite the prompt's instructions.
func stripFences(response string) string {
	if strings.Contains(response, "```json") {
		if m := jsonFenceRe.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1])
		}
	} else if strings.Contains(response, "```") {
		if m := bareFenceRe.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return strings.TrimSpace(response)
}
