package pattern_test

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/pattern"
)

func sampleNames(haps []pattern.Hap) []string {
	sort.Slice(haps, func(i, j int) bool { return haps[i].WholeBegin < haps[j].WholeBegin })
	out := make([]string, len(haps))
	for i, h := range haps {
		out[i] = h.Value.Sample
	}
	return out
}

func evalPattern(t *testing.T, src string) pattern.Pattern {
	t.Helper()
	p, err := pattern.NewEmbedded().Evaluate(src)
	require.NoError(t, err)
	return p
}

func TestEvaluate_SimpleSequence(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("bd sd hh hh")`)
	haps := p.QueryArc(0, 1)
	require.Len(t, haps, 4)
	assert.Equal(t, []string{"bd", "sd", "hh", "hh"}, sampleNames(haps))
	assert.InDelta(t, 0.0, haps[0].WholeBegin, 1e-9)
	assert.InDelta(t, 0.25, haps[0].WholeEnd, 1e-9)
	for _, h := range haps {
		assert.True(t, h.HasOnset())
	}
}

func TestEvaluate_SubgroupSplitsSlot(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("bd [hh hh]")`)
	haps := p.QueryArc(0, 1)
	require.Len(t, haps, 3)
	names := sampleNames(haps)
	assert.Equal(t, []string{"bd", "hh", "hh"}, names)
	// The subgroup shares the second half-cycle.
	assert.InDelta(t, 0.5, haps[1].WholeBegin, 1e-9)
	assert.InDelta(t, 0.75, haps[1].WholeEnd, 1e-9)
}

func TestEvaluate_RestAndRepeat(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("bd ~ hh*2")`)
	haps := p.QueryArc(0, 1)
	require.Len(t, haps, 3)
	assert.Equal(t, []string{"bd", "hh", "hh"}, sampleNames(haps))
}

func TestEvaluate_AlternationPerCycle(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("<bd sd>")`)
	cycle0 := p.QueryArc(0, 1)
	cycle1 := p.QueryArc(1, 2)
	require.Len(t, cycle0, 1)
	require.Len(t, cycle1, 1)
	assert.Equal(t, "bd", cycle0[0].Value.Sample)
	assert.Equal(t, "sd", cycle1[0].Value.Sample)
}

func TestEvaluate_SampleIndex(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("bd:3")`)
	haps := p.QueryArc(0, 1)
	require.Len(t, haps, 1)
	assert.Equal(t, "bd", haps[0].Value.Sample)
	assert.Equal(t, 3, haps[0].Value.Index)
}

func TestEvaluate_MethodChainSetsParams(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("bd").gain(0.8).pan(-0.5).lpf(2000)`)
	haps := p.QueryArc(0, 1)
	require.Len(t, haps, 1)
	params := haps[0].Value.Params
	require.NotNil(t, params.Gain)
	assert.InDelta(t, 0.8, *params.Gain, 1e-9)
	require.NotNil(t, params.Pan)
	assert.InDelta(t, -0.5, *params.Pan, 1e-9)
	require.NotNil(t, params.LPF)
	assert.InDelta(t, 2000, *params.LPF, 1e-9)
}

func TestEvaluate_FastSlow(t *testing.T) {
	t.Parallel()
	fast := evalPattern(t, `s("bd sd").fast(2)`)
	assert.Len(t, fast.QueryArc(0, 1), 4)
	slow := evalPattern(t, `s("bd sd").slow(2)`)
	haps := slow.QueryArc(0, 1)
	// Only bd fits in the first cycle once stretched; sd lands in cycle 1.
	require.Len(t, haps, 1)
	assert.Equal(t, "bd", haps[0].Value.Sample)
	assert.True(t, haps[0].HasOnset())
	next := slow.QueryArc(1, 2)
	require.Len(t, next, 1)
	assert.Equal(t, "sd", next[0].Value.Sample)
}

func TestEvaluate_Stack(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `stack(s("bd bd"), s("hh hh hh"))`)
	assert.Len(t, p.QueryArc(0, 1), 5)
}

func TestEvaluate_ArrowUnwrap(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `() => s("bd")`)
	assert.Len(t, p.QueryArc(0, 1), 1)
}

func TestEvaluate_SyntaxErrorPosition(t *testing.T) {
	t.Parallel()
	_, err := pattern.NewEmbedded().Evaluate("s(\"bd\"\n.bogus()")
	require.Error(t, err)
	var se *pattern.SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Greater(t, se.Line, 0)
	assert.Greater(t, se.Column, 0)
}

func TestEvaluate_UnknownFunction(t *testing.T) {
	t.Parallel()
	_, err := pattern.NewEmbedded().Evaluate(`loop("bd")`)
	require.Error(t, err)
}

func TestNoteToFreq(t *testing.T) {
	t.Parallel()
	tests := []struct {
		token string
		want  float64
	}{
		{"a4", 440},
		{"69", 440},
		{"c4", 261.6256},
		{"a#4", 466.1638},
		{"bb4", 466.1638},
		{"c3", 130.8128},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()
			got, err := pattern.NoteToFreq(tt.token)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.01)
		})
	}
	_, err := pattern.NoteToFreq("h3")
	assert.Error(t, err)
}

func TestQueryArc_ClipsToQuery(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("bd sd")`)
	haps := p.QueryArc(0.25, 0.75)
	require.Len(t, haps, 2)
	sort.Slice(haps, func(i, j int) bool { return haps[i].PartBegin < haps[j].PartBegin })
	// First hap is a clipped tail: no onset.
	assert.False(t, haps[0].HasOnset())
	assert.InDelta(t, 0.25, haps[0].PartBegin, 1e-9)
	// Second starts inside the query: onset carried.
	assert.True(t, haps[1].HasOnset())
	assert.InDelta(t, 0.5, haps[1].PartBegin, 1e-9)
}

func TestQueryArc_MultiCycle(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `s("bd")`)
	haps := p.QueryArc(0, 3)
	require.Len(t, haps, 3)
	for i, h := range haps {
		assert.InDelta(t, float64(i), h.WholeBegin, 1e-9)
	}
}

func TestNoteFreqOnHaps(t *testing.T) {
	t.Parallel()
	p := evalPattern(t, `note("a4 a5")`)
	haps := p.QueryArc(0, 1)
	require.Len(t, haps, 2)
	sort.Slice(haps, func(i, j int) bool { return haps[i].WholeBegin < haps[j].WholeBegin })
	require.NotNil(t, haps[0].Value.Freq)
	assert.InDelta(t, 440, *haps[0].Value.Freq, 1e-6)
	assert.InDelta(t, 880, *haps[1].Value.Freq, 1e-6)
	assert.False(t, math.IsNaN(*haps[1].Value.Freq))
}
