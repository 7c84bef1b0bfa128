package llmprovider

import (
	"testing"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/prompt"
)

func TestExtractFirstJSONObjectFencedAndBalanced(t *testing.T) {
	raw := "Sure! ```json {\"answer\": \"ok\"} ```"
	got, err := ExtractFirstJSONObject(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"answer": "ok"}` {
		t.Fatalf("unexpected extracted object: %s", got)
	}
}

func TestExtractFirstJSONObjectNested(t *testing.T) {
	raw := `noise {"a": {"b": 1}} trailing`
	got, err := ExtractFirstJSONObject(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"a": {"b": 1}}` {
		t.Fatalf("unexpected extracted object: %s", got)
	}
}

func TestExtractFirstJSONObjectNoneFound(t *testing.T) {
	_, err := ExtractFirstJSONObject("just prose, no json here")
	if !shinkaierrors.Is(err, shinkaierrors.KindResponseParseError) {
		t.Fatalf("expected ResponseParseError, got %v", err)
	}
}

func TestNormalizePromptFoldsExtraContextIntoUser(t *testing.T) {
	subs := []prompt.SubPrompt{
		{Role: prompt.RoleSystem, Content: "setup"},
		{Role: prompt.RoleExtraContext, Content: "chunk one"},
		{Role: prompt.RoleExtraContext, Content: "chunk two"},
		{Role: prompt.RoleUser, Content: "the question", Priority: prompt.FinalUserPriority},
	}
	wire := NormalizePrompt(subs)
	if len(wire) != 3 {
		t.Fatalf("expected 3 wire messages, got %d: %+v", len(wire), wire)
	}
	if wire[0].Role != WireSystem || wire[0].Text != "setup" {
		t.Fatalf("expected system message first, got %+v", wire[0])
	}
	if wire[1].Role != WireUser || wire[1].Text != "chunk one\n\nchunk two" {
		t.Fatalf("expected folded extra context, got %+v", wire[1])
	}
	if wire[2].Role != WireUser || wire[2].Text != "the question" {
		t.Fatalf("expected final user message last, got %+v", wire[2])
	}
}
