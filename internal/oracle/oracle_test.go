package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/pkg/models"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name         string
		response     string
		wantAction   string
		wantRepaired bool
		wantErr      bool
	}{
		{
			name:       "bare object",
			response:   `{"action":"complete","reasoning":"done","confidence":0.9,"proximity":1}`,
			wantAction: ActionComplete,
		},
		{
			name:       "object wrapped in prose",
			response:   "Here is my decision:\n```json\n{\"action\":\"escalate\",\"escalation_reason\":\"stuck\",\"confidence\":0.4}\n```\nThanks.",
			wantAction: ActionEscalate,
		},
		{
			name:         "trailing comma is repaired",
			response:     `{"action":"new_task","confidence":0.8,}`,
			wantAction:   ActionNewTask,
			wantRepaired: true,
		},
		{
			name:         "truncated object is repaired",
			response:     `{"action":"complete","reasoning":"all good"`,
			wantAction:   ActionComplete,
			wantRepaired: true,
		},
		{
			name:     "no object",
			response: "I cannot decide.",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.response)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantRepaired, d.Repaired)
			assert.Equal(t, tt.response, d.Raw)
		})
	}
}

func TestParseDecision_MissingFieldsStayNil(t *testing.T) {
	d, err := ParseDecision(`{"action":"new_task","next_task":{"type":"impl","description":"add handler","role":"backend","priority":2}}`)
	require.NoError(t, err)
	assert.Nil(t, d.Confidence)
	assert.Nil(t, d.Proximity)
	require.NotNil(t, d.NextTask)
	require.NotNil(t, d.NextTask.Priority)
	assert.Equal(t, 2, *d.NextTask.Priority)
	assert.Equal(t, "backend", d.NextTask.Role)
}

func TestRender(t *testing.T) {
	p := Prompt{
		ProjectID: "p1",
		Goal:      "Ship the billing API",
		Phase:     "build",
		Roles:     []models.AgentRole{models.RoleQA, models.RoleBackend},
		Task: &models.Task{
			ID: "t3", Type: "impl", Role: models.RoleBackend, Description: "add invoices endpoint",
			Result: &models.TaskResult{Success: true, Steps: []string{"wrote handler", "added tests"}},
		},
		History: []HistoryEntry{
			{TaskID: "t3", Description: "add invoices endpoint", Role: models.RoleBackend, Success: true},
			{TaskID: "t2", Description: "design schema", Role: models.RoleArchitect, Success: true, Summary: "tables agreed"},
		},
		Artifacts: []Artifact{
			{Path: "api/invoices.go", Content: "package api"},
			{Path: "docs/missing.md", Missing: true},
		},
	}

	out := Render(p)
	assert.Contains(t, out, "GOAL: Ship the billing API")
	assert.Contains(t, out, "AVAILABLE ROLES: backend, qa")
	assert.Contains(t, out, "- steps: wrote handler; added tests")
	assert.Contains(t, out, "2. [t2] design schema (architect, succeeded): tables agreed")
	assert.Less(t, strings.Index(out, "[t3]"), strings.Index(out, "[t2]"), "history is most recent first")
	assert.Contains(t, out, "--- api/invoices.go\npackage api")
	assert.Contains(t, out, "--- docs/missing.md (unavailable)")
}

func TestRender_ClipsLargeArtifacts(t *testing.T) {
	big := strings.Repeat("x", maxArtifactChars*2)
	out := Render(Prompt{Goal: "g", Artifacts: []Artifact{{Path: "big.txt", Content: big}}})
	assert.Less(t, len(out), maxArtifactChars+500)
}

func TestProximity(t *testing.T) {
	assert.Equal(t, 0.0, Proximity("", "anything"))
	assert.Equal(t, 1.0, Proximity("billing api", "the billing api is live"))
	assert.InDelta(t, 0.5, Proximity("billing invoices", "billing done"), 1e-9)
	assert.Equal(t, 0.0, Proximity("billing invoices"))
}

func TestPromptEvidence(t *testing.T) {
	p := Prompt{
		Task: &models.Task{Description: "add invoices", Result: &models.TaskResult{Success: true, Steps: []string{"s1"}}},
		History: []HistoryEntry{
			{Description: "design schema", Success: true, Summary: "ok"},
			{Description: "broken deploy", Success: false},
		},
	}
	assert.Equal(t, []string{"add invoices", "s1", "design schema", "ok"}, PromptEvidence(p))
}

func TestFunc(t *testing.T) {
	var o Oracle = Func(func(_ context.Context, p Prompt) (*Decision, error) {
		return &Decision{Action: ActionComplete, Reasoning: p.Goal}, nil
	})
	d, err := o.Decide(context.Background(), Prompt{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, "g", d.Reasoning)
}

func TestNewAnthropic(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := NewAnthropic(Config{}, nil)
	require.Error(t, err)
	assert.Equal(t, "ANTHROPIC_API_KEY environment variable is not set", err.Error())

	a, err := NewAnthropic(Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)
	assert.Equal(t, anthropic.ModelClaudeSonnet4_20250514, a.Model())
	assert.Equal(t, int64(DefaultMaxTokens), a.maxTokens)

	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	_, err = NewAnthropic(Config{Model: anthropic.ModelClaudeHaiku4_5_20251001}, nil)
	require.NoError(t, err)
}

func TestBedrockModel(t *testing.T) {
	assert.Equal(t, anthropic.Model("us.anthropic.claude-sonnet-4-20250514-v1:0"), bedrockModel(anthropic.ModelClaudeSonnet4_20250514))
	assert.Equal(t, anthropic.Model("custom-model"), bedrockModel("custom-model"))
}

func TestUsage(t *testing.T) {
	u := &Usage{}
	u.Add(100, 20)
	u.Add(50, 5)
	in, out := u.Total()
	assert.Equal(t, int64(150), in)
	assert.Equal(t, int64(25), out)
	assert.Equal(t, 2, u.Calls())
}
