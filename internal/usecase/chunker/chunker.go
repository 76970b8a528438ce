// Package chunker splits oversized input into budget-bounded pieces.
//
// Plans are deterministic: planning the same input with the same budget always
// yields the same chunks, so a consumer that crashed at chunk i can re-plan and
// resume with From(i).
package chunker

import (
	"iter"
	"math"
	"strings"
	"unicode/utf8"

	"feelinglocal-core/internal/domain/entity"
)

// Chunk is one piece of a text plan. Start and End are rune offsets.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// TextPlan is a lazy sequence of text chunks.
type TextPlan struct {
	runes  []rune
	budget int
	n      int
}

// PlanText plans text into chunks of at most maxRunes runes.
func PlanText(text string, maxRunes int) (*TextPlan, error) {
	if maxRunes <= 0 {
		return nil, entity.Validationf("chunker.plan_text", "budget must be positive, got %d", maxRunes)
	}
	if !utf8.ValidString(text) {
		return nil, entity.Validationf("chunker.plan_text", "text is not valid UTF-8")
	}
	p := &TextPlan{runes: []rune(text), budget: maxRunes, n: -1}
	return p, nil
}

// Len returns the number of chunks, walking the plan once on first use.
func (p *TextPlan) Len() int {
	if p.n < 0 {
		n := 0
		for start := 0; start < len(p.runes); n++ {
			start = p.cut(start)
		}
		p.n = n
	}
	return p.n
}

// All yields every chunk in order.
func (p *TextPlan) All() iter.Seq2[int, Chunk] { return p.From(0) }

// From yields chunks starting at index, skipping the earlier ones.
func (p *TextPlan) From(index int) iter.Seq2[int, Chunk] {
	return func(yield func(int, Chunk) bool) {
		start := 0
		for i := 0; start < len(p.runes); i++ {
			end := p.cut(start)
			if i >= index {
				c := Chunk{Index: i, Text: string(p.runes[start:end]), Start: start, End: end}
				if !yield(i, c) {
					return
				}
			}
			start = end
		}
	}
}

// Chunks materializes the plan.
func (p *TextPlan) Chunks() []Chunk {
	out := make([]Chunk, 0, p.Len())
	for _, c := range p.All() {
		out = append(out, c)
	}
	return out
}

// cut returns the end offset of the chunk beginning at start.
func (p *TextPlan) cut(start int) int {
	limit := start + p.budget
	if limit >= len(p.runes) {
		return len(p.runes)
	}
	// Walk back from the budget to the nearest boundary.
	for i := limit - 1; i >= start; i-- {
		if !isBoundary(p.runes[i]) {
			continue
		}
		end := i + 1
		if end-start >= p.budget/2 && end > start {
			return end
		}
		break
	}
	return limit
}

func isBoundary(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '。', '！', '？', '…':
		return true
	}
	return false
}

// Budget bounds a batch chunk in estimated tokens.
type Budget struct {
	MaxTokens        int     // per request, including overhead
	RequestOverhead  int     // fixed tokens per request (instructions, framing)
	PerItemOverhead  int     // framing per item
	OutputFactor     float64 // multiplier covering input plus generated output
	MaxItemsPerChunk int
}

// DefaultBudget is sized for a mid-range engine context.
func DefaultBudget() Budget {
	return Budget{
		MaxTokens:        6000,
		RequestOverhead:  350,
		PerItemOverhead:  6,
		OutputFactor:     2.2,
		MaxItemsPerChunk: 50,
	}
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(s)) / 4))
}

// Group is one batch chunk: items[Start:End] of the original list.
type Group struct {
	Index  int
	Start  int
	End    int
	Items  []string
	Tokens int
}

// BatchPlan is a lazy sequence of item groups.
type BatchPlan struct {
	items  []string
	budget Budget
	n      int
}

// PlanBatch groups items under the token budget and item cap.
func PlanBatch(items []string, b Budget) (*BatchPlan, error) {
	if b.MaxTokens <= 0 || b.MaxItemsPerChunk <= 0 {
		return nil, entity.Validationf("chunker.plan_batch", "budget must be positive")
	}
	if b.OutputFactor <= 0 {
		b.OutputFactor = 1
	}
	if b.RequestOverhead >= b.MaxTokens {
		return nil, entity.Validationf("chunker.plan_batch", "request overhead %d leaves no room in %d tokens", b.RequestOverhead, b.MaxTokens)
	}
	return &BatchPlan{items: items, budget: b, n: -1}, nil
}

func (p *BatchPlan) Len() int {
	if p.n < 0 {
		n := 0
		for start := 0; start < len(p.items); n++ {
			start, _ = p.group(start)
		}
		p.n = n
	}
	return p.n
}

func (p *BatchPlan) All() iter.Seq2[int, Group] { return p.From(0) }

func (p *BatchPlan) From(index int) iter.Seq2[int, Group] {
	return func(yield func(int, Group) bool) {
		start := 0
		for i := 0; start < len(p.items); i++ {
			end, tokens := p.group(start)
			if i >= index {
				g := Group{Index: i, Start: start, End: end, Items: p.items[start:end], Tokens: tokens}
				if !yield(i, g) {
					return
				}
			}
			start = end
		}
	}
}

func (p *BatchPlan) Groups() []Group {
	out := make([]Group, 0, p.Len())
	for _, g := range p.All() {
		out = append(out, g)
	}
	return out
}

// group returns the end index and estimated cost of the group starting at start.
// A single item larger than the budget still forms its own group.
func (p *BatchPlan) group(start int) (int, int) {
	b := p.budget
	raw := 0
	end := start
	for end < len(p.items) && end-start < b.MaxItemsPerChunk {
		next := raw + EstimateTokens(p.items[end]) + b.PerItemOverhead
		if end > start && p.cost(next) > b.MaxTokens {
			break
		}
		raw = next
		end++
	}
	return end, p.cost(raw)
}

func (p *BatchPlan) cost(raw int) int {
	return p.budget.RequestOverhead + int(math.Ceil(float64(raw)*p.budget.OutputFactor))
}

// Join concatenates chunk outputs in order.
func Join(parts []string) string { return strings.Join(parts, "") }
