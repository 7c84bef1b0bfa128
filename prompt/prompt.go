// Package prompt implements the Prompt Assembler (spec.md §4.I): priority-
// based packing of SubPrompts into a Prompt that fits a provider's input
// token budget.
//
// Grounded on runtime/agent/transcript/ledger.go's ordered, append-only
// content management (messages accumulate in presentation order, coalesced
// before being handed to a provider); generalized here from the ledger's
// thinking/text/tool_use coalescing to SubPrompt priority-based eviction.
package prompt

import "sort"

// Role tags a SubPrompt's conversational role (spec.md §3 "Prompt").
type Role string

const (
	RoleSystem       Role = "System"
	RoleUser         Role = "User"
	RoleAssistant    Role = "Assistant"
	RoleExtraContext Role = "ExtraContext"
)

// FinalUserPriority is the priority reserved for the final user message,
// which spec.md §3 guarantees is never discarded during assembly.
const FinalUserPriority = 100

// SubPrompt is one tagged, prioritized fragment of a Prompt (spec.md §3).
type SubPrompt struct {
	Role     Role
	Content  string
	Priority int // 0..=100
	Asset    []byte

	// insertionIndex records arrival order so ties sort stably and the
	// final re-emit preserves original order (spec.md §3 invariant).
	insertionIndex int
}

// Prompt is an ordered sequence of SubPrompts.
type Prompt struct {
	subPrompts []SubPrompt
}

// New constructs an empty Prompt.
func New() *Prompt { return &Prompt{} }

// Add appends sp to the prompt, stamping its insertion order.
func (p *Prompt) Add(sp SubPrompt) {
	sp.insertionIndex = len(p.subPrompts)
	p.subPrompts = append(p.subPrompts, sp)
}

// SubPrompts returns the prompt's sub-prompts in insertion order.
func (p *Prompt) SubPrompts() []SubPrompt {
	out := make([]SubPrompt, len(p.subPrompts))
	copy(out, p.subPrompts)
	return out
}

// estimateTokens is the 4-chars-per-token-plus-10%-margin fallback
// tokenizer spec.md §4.H specifies for when no model-family tokenizer is
// known; the Prompt Assembler has no model-specific tokenizer either, so
// it always uses this estimate.
func estimateTokens(s string) int {
	return int(float64(len(s)) / 4.0 * 1.1)
}

func tokenCost(sp SubPrompt) int {
	cost := estimateTokens(sp.Content)
	if len(sp.Asset) > 0 {
		// Assets (e.g. images) are not text-tokenized here; charge a fixed
		// per-asset overhead so they still count against the budget.
		cost += 256
	}
	return cost
}

// Assemble packs p's sub-prompts into a token budget of budget, per spec.md
// §4.I:
//  1. Sort by priority descending, stable by insertion order.
//  2. Greedily include in order until the estimated cost exceeds budget*0.9.
//  3. If the final user message (priority 100) would be excluded, evict
//     lower-priority items instead; if still infeasible, truncate
//     ExtraContext sub-prompts from their tails, preserving their heads.
//  4. Re-emit in original insertion order.
func Assemble(p *Prompt, budget int) []SubPrompt {
	if p == nil || len(p.subPrompts) == 0 {
		return nil
	}
	effectiveBudget := int(float64(budget) * 0.9)

	ranked := make([]SubPrompt, len(p.subPrompts))
	copy(ranked, p.subPrompts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority > ranked[j].Priority
	})

	included := make(map[int]bool, len(ranked))
	total := 0
	for _, sp := range ranked {
		cost := tokenCost(sp)
		if total+cost <= effectiveBudget {
			included[sp.insertionIndex] = true
			total += cost
		}
	}

	finalUserIdx := -1
	for _, sp := range ranked {
		if sp.Priority >= FinalUserPriority {
			finalUserIdx = sp.insertionIndex
			break
		}
	}

	if finalUserIdx >= 0 && !included[finalUserIdx] {
		// Evict lowest-priority included items until the final user message
		// fits (spec.md §4.I step 3).
		var finalUser SubPrompt
		for _, sp := range ranked {
			if sp.insertionIndex == finalUserIdx {
				finalUser = sp
				break
			}
		}
		need := tokenCost(finalUser)
		for i := len(ranked) - 1; i >= 0 && total+need > effectiveBudget; i-- {
			sp := ranked[i]
			if sp.insertionIndex == finalUserIdx || !included[sp.insertionIndex] {
				continue
			}
			included[sp.insertionIndex] = false
			total -= tokenCost(sp)
		}
		included[finalUserIdx] = true
		total += need

		// Still infeasible: truncate ExtraContext sub-prompts from their
		// tails, preserving their heads, until the final user message fits.
		for i := len(ranked) - 1; i >= 0 && total > effectiveBudget; i-- {
			sp := &ranked[i]
			if sp.Role != RoleExtraContext || !included[sp.insertionIndex] || sp.insertionIndex == finalUserIdx {
				continue
			}
			for len(sp.Content) > 0 && total > effectiveBudget {
				before := tokenCost(*sp)
				cut := len(sp.Content) / 10
				if cut < 1 {
					cut = 1
				}
				if cut > len(sp.Content) {
					cut = len(sp.Content)
				}
				sp.Content = sp.Content[:len(sp.Content)-cut]
				total -= before - tokenCost(*sp)
			}
		}
	}

	var out []SubPrompt
	for _, sp := range ranked {
		if included[sp.insertionIndex] {
			out = append(out, sp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].insertionIndex < out[j].insertionIndex
	})
	return out
}

// Tokens returns the estimated token cost of the given sub-prompts, for
// callers (e.g. the Job Manager) that need to log or cap assembled size.
func Tokens(subPrompts []SubPrompt) int {
	total := 0
	for _, sp := range subPrompts {
		total += tokenCost(sp)
	}
	return total
}
