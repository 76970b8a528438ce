package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feelinglocal-core/internal/domain/entity"
)

func concat(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestPlanText_RoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"short",
		strings.Repeat("The tenant shall keep the premises in good repair. ", 400),
		strings.Repeat("第一条 本合同自签署之日起生效。", 300),
		strings.Repeat("no boundaries at all ", 500),
		"Line one\nLine two\nLine three\n" + strings.Repeat("x", 3000),
	}
	for _, budget := range []int{1, 7, 100, 1000, 4000} {
		for i, in := range inputs {
			t.Run(fmt.Sprintf("budget=%d/input=%d", budget, i), func(t *testing.T) {
				p, err := PlanText(in, budget)
				require.NoError(t, err)
				chunks := p.Chunks()
				assert.Equal(t, in, concat(chunks))
				assert.Equal(t, p.Len(), len(chunks))
				for _, c := range chunks {
					n := utf8.RuneCountInString(c.Text)
					assert.Greater(t, n, 0, "empty chunk %d", c.Index)
					assert.LessOrEqual(t, n, budget, "chunk %d over budget", c.Index)
				}
			})
		}
	}
}

func TestPlanText_PrefersBoundaries(t *testing.T) {
	text := "First sentence is here. Second one follows right after it. Third."
	p, err := PlanText(text, 40)
	require.NoError(t, err)
	chunks := p.Chunks()
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "First sentence is here.", chunks[0].Text)
}

func TestPlanText_RejectsTinyBoundaryChunks(t *testing.T) {
	// The only boundary sits below half the budget, so the planner hard-cuts.
	text := "Hi. " + strings.Repeat("a", 200)
	p, err := PlanText(text, 100)
	require.NoError(t, err)
	chunks := p.Chunks()
	assert.Equal(t, 100, utf8.RuneCountInString(chunks[0].Text))
}

func TestPlanText_ResumeFromIndex(t *testing.T) {
	text := strings.Repeat("Clause. ", 1000)
	p, err := PlanText(text, 300)
	require.NoError(t, err)
	all := p.Chunks()
	require.Greater(t, len(all), 3)

	replanned, err := PlanText(text, 300)
	require.NoError(t, err)
	var resumed []Chunk
	for _, c := range replanned.From(2) {
		resumed = append(resumed, c)
	}
	assert.Equal(t, all[2:], resumed)

	// Stopping early is honoured.
	count := 0
	for range p.All() {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestPlanText_Validation(t *testing.T) {
	_, err := PlanText("x", 0)
	assert.Equal(t, entity.KindValidation, entity.KindOf(err))

	_, err = PlanText(string([]byte{0xff, 0xfe}), 10)
	assert.Equal(t, entity.KindValidation, entity.KindOf(err))
}

func TestPlanBatch_Budget(t *testing.T) {
	b := Budget{MaxTokens: 400, RequestOverhead: 100, PerItemOverhead: 2, OutputFactor: 2, MaxItemsPerChunk: 10}
	items := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		items = append(items, strings.Repeat("w", 40)) // 10 tokens + 2 overhead
	}
	p, err := PlanBatch(items, b)
	require.NoError(t, err)
	groups := p.Groups()

	total := 0
	for i, g := range groups {
		assert.Equal(t, i, g.Index)
		assert.NotEmpty(t, g.Items)
		assert.LessOrEqual(t, len(g.Items), b.MaxItemsPerChunk)
		assert.LessOrEqual(t, g.Tokens, b.MaxTokens)
		assert.Equal(t, total, g.Start)
		total += len(g.Items)
	}
	assert.Equal(t, len(items), total)
	// 100 + 12*2*n <= 400 allows 12 items, so the item cap of 10 binds.
	assert.Len(t, groups[0].Items, 10)
}

func TestPlanBatch_TokenBudgetBinds(t *testing.T) {
	b := Budget{MaxTokens: 300, RequestOverhead: 100, PerItemOverhead: 0, OutputFactor: 2, MaxItemsPerChunk: 50}
	items := []string{strings.Repeat("a", 200), strings.Repeat("b", 200), strings.Repeat("c", 200)} // 50 tokens each
	p, err := PlanBatch(items, b)
	require.NoError(t, err)
	groups := p.Groups()
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Items, 2) // 100 + 2*100 = 300
	assert.Len(t, groups[1].Items, 1)
}

func TestPlanBatch_OversizedItemStandsAlone(t *testing.T) {
	b := Budget{MaxTokens: 200, RequestOverhead: 50, OutputFactor: 1, MaxItemsPerChunk: 5}
	items := []string{"tiny", strings.Repeat("z", 4000), "tiny"}
	p, err := PlanBatch(items, b)
	require.NoError(t, err)
	groups := p.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, []string{strings.Repeat("z", 4000)}, groups[1].Items)
	assert.Greater(t, groups[1].Tokens, b.MaxTokens)
}

func TestPlanBatch_ResumeAndValidation(t *testing.T) {
	items := make([]string, 120)
	for i := range items {
		items[i] = fmt.Sprintf("item %d", i)
	}
	p, err := PlanBatch(items, DefaultBudget())
	require.NoError(t, err)
	all := p.Groups()
	require.Len(t, all, 3)

	var tail []Group
	for _, g := range p.From(1) {
		tail = append(tail, g)
	}
	assert.Equal(t, all[1:], tail)

	_, err = PlanBatch(items, Budget{})
	assert.Equal(t, entity.KindValidation, entity.KindOf(err))
	_, err = PlanBatch(items, Budget{MaxTokens: 10, RequestOverhead: 10, MaxItemsPerChunk: 1})
	assert.Equal(t, entity.KindValidation, entity.KindOf(err))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("héllo"))
}
