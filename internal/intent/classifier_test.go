package intent

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

type stubCompleter struct {
	response string
	err      error
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return s.response, s.err
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
		query    string
		want     []Intent
	}{
		{
			name:     "single enterprise intent",
			response: `[{"type":"EnterpriseEmail","query":"summarize my inbox"}]`,
			query:    "summarize my inbox",
			want:     []Intent{{Kind: EnterpriseEmail, Query: "summarize my inbox"}},
		},
		{
			name: "mixed intents preserve order",
			response: `[
				{"type":"EnterpriseCalendar","query":"What meetings do I have tomorrow"},
				{"type":"GeneralKnowledge","query":"What is Docker"}
			]`,
			query: "What meetings do I have tomorrow and what is Docker?",
			want: []Intent{
				{Kind: EnterpriseCalendar, Query: "What meetings do I have tomorrow"},
				{Kind: GeneralKnowledge, Query: "What is Docker"},
			},
		},
		{
			name:     "json fenced response",
			response: "```json\n[{\"type\":\"EnterpriseFiles\",\"query\":\"find the Q3 deck\"}]\n```",
			query:    "find the Q3 deck",
			want:     []Intent{{Kind: EnterpriseFiles, Query: "find the Q3 deck"}},
		},
		{
			name:     "bare fenced response",
			response: "```\n[{\"type\":\"EnterprisePeople\",\"query\":\"who knows Kubernetes\"}]\n```",
			query:    "who knows Kubernetes",
			want:     []Intent{{Kind: EnterprisePeople, Query: "who knows Kubernetes"}},
		},
		{
			name:     "confidence carried through",
			response: `[{"type":"GeneralKnowledge","query":"what is DNS","confidence":0.9}]`,
			query:    "what is DNS",
			want:     []Intent{{Kind: GeneralKnowledge, Query: "what is DNS", Confidence: 0.9}},
		},
		{
			name:  "completion error falls back",
			err:   fmt.Errorf("rate limited"),
			query: "hello",
			want:  []Intent{{Kind: GeneralKnowledge, Query: "hello"}},
		},
		{
			name:     "non-json falls back",
			response: "I think this is about email.",
			query:    "check my mail",
			want:     []Intent{{Kind: GeneralKnowledge, Query: "check my mail"}},
		},
		{
			name:     "non-array falls back",
			response: `{"type":"EnterpriseEmail","query":"x"}`,
			query:    "check my mail",
			want:     []Intent{{Kind: GeneralKnowledge, Query: "check my mail"}},
		},
		{
			name:     "empty array falls back",
			response: `[]`,
			query:    "hello",
			want:     []Intent{{Kind: GeneralKnowledge, Query: "hello"}},
		},
		{
			name:     "one unknown kind poisons the whole response",
			response: `[{"type":"EnterpriseEmail","query":"a"},{"type":"M365Teams","query":"b"}]`,
			query:    "check mail and teams",
			want:     []Intent{{Kind: GeneralKnowledge, Query: "check mail and teams"}},
		},
		{
			name:     "empty sub-query falls back",
			response: `[{"type":"EnterpriseEmail","query":"  "}]`,
			query:    "check my mail",
			want:     []Intent{{Kind: GeneralKnowledge, Query: "check my mail"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(&stubCompleter{response: tt.response, err: tt.err})
			got := c.Classify(context.Background(), tt.query)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassify_PromptContainsQuery(t *testing.T) {
	var gotPrompt string
	c := NewClassifier(completerFunc(func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return `[{"type":"GeneralKnowledge","query":"q"}]`, nil
	}))
	c.Classify(context.Background(), "what is the capital of France?")
	assert.Contains(t, gotPrompt, "what is the capital of France?")
	assert.Contains(t, gotPrompt, "ONLY a JSON array")
}

type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{EnterpriseEmail, EnterpriseCalendar, EnterpriseFiles, EnterprisePeople, GeneralKnowledge} {
		got, err := ParseKind(string(k))
		assert.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("M365Email")
	assert.Error(t, err)
	_, err = ParseKind("")
	assert.Error(t, err)
}

func TestKind_IsEnterprise(t *testing.T) {
	assert.True(t, EnterpriseEmail.IsEnterprise())
	assert.True(t, EnterpriseCalendar.IsEnterprise())
	assert.True(t, EnterpriseFiles.IsEnterprise())
	assert.True(t, EnterprisePeople.IsEnterprise())
	assert.False(t, GeneralKnowledge.IsEnterprise())
}
