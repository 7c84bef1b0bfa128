package prompt

import "testing"

func TestAssembleEmptyPromptFinalUserOnly(t *testing.T) {
	p := New()
	p.Add(SubPrompt{Role: RoleUser, Content: "what is shinkai?", Priority: FinalUserPriority})

	got := Assemble(p, 1000)
	if len(got) != 1 || got[0].Content != "what is shinkai?" {
		t.Fatalf("expected just the final user message, got %+v", got)
	}
}

func TestAssemblePreservesOrderAndDropsLowPriority(t *testing.T) {
	p := New()
	p.Add(SubPrompt{Role: RoleSystem, Content: "system setup", Priority: 90})
	p.Add(SubPrompt{Role: RoleExtraContext, Content: "low priority filler", Priority: 1})
	p.Add(SubPrompt{Role: RoleUser, Content: "the question", Priority: FinalUserPriority})

	// Budget too small for everything but large enough for system+user.
	n := len("system setup") + len("the question")
	budget := int(float64(n)/4.0*1.1/0.9) + 5
	got := Assemble(p, budget)

	if len(got) != 2 {
		t.Fatalf("expected 2 sub-prompts retained, got %d: %+v", len(got), got)
	}
	if got[0].Content != "system setup" || got[1].Content != "the question" {
		t.Fatalf("expected original insertion order preserved, got %+v", got)
	}
}

func TestAssembleNeverDropsFinalUserMessage(t *testing.T) {
	p := New()
	for i := 0; i < 5; i++ {
		p.Add(SubPrompt{Role: RoleExtraContext, Content: "padding padding padding padding", Priority: 50})
	}
	p.Add(SubPrompt{Role: RoleUser, Content: "must survive", Priority: FinalUserPriority})

	got := Assemble(p, 20) // tiny budget
	found := false
	for _, sp := range got {
		if sp.Priority == FinalUserPriority {
			found = true
			if sp.Content != "must survive" {
				t.Fatalf("final user content mutated: %q", sp.Content)
			}
		}
	}
	if !found {
		t.Fatal("final user message was dropped")
	}
}

func TestAssembleTruncatesExtraContextTailPreservingHead(t *testing.T) {
	p := New()
	p.Add(SubPrompt{Role: RoleExtraContext, Content: "HEADHEADHEADHEADHEADHEADHEADHEADtail-tail-tail-tail", Priority: 50})
	p.Add(SubPrompt{Role: RoleUser, Content: "final", Priority: FinalUserPriority})

	got := Assemble(p, 12)
	var extra *SubPrompt
	for i := range got {
		if got[i].Role == RoleExtraContext {
			extra = &got[i]
		}
	}
	if extra == nil {
		t.Fatal("expected ExtraContext sub-prompt to survive truncated")
	}
	if len(extra.Content) == 0 {
		t.Fatal("expected ExtraContext content non-empty after truncation")
	}
	if extra.Content[0] != 'H' {
		t.Fatalf("expected head preserved, got %q", extra.Content)
	}
}

func TestAssembleNilPrompt(t *testing.T) {
	if got := Assemble(nil, 100); got != nil {
		t.Fatalf("expected nil result for nil prompt, got %+v", got)
	}
}
