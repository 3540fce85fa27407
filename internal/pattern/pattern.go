// Package pattern embeds an evaluator for the live-coding pattern
// language: call-chain expressions over mini-notation strings, queried as
// timed events (haps) on the cycle timeline.
package pattern

import (
	"math"
)

// Params are the per-event playback parameters a pattern can set. Nil
// means unset; the render pipeline applies defaults.
type Params struct {
	Gain    *float64
	Pan     *float64
	LPF     *float64
	HPF     *float64
	Room    *float64
	Delay   *float64
	Speed   *float64
	Attack  *float64
	Decay   *float64
	Sustain *float64
	Release *float64
}

// Value is a hap payload: either a sample reference or a note frequency,
// plus effect parameters.
type Value struct {
	Sample string
	Index  int
	// Freq is non-nil for pitched events, in Hz.
	Freq   *float64
	Params Params
}

// Hap is one timed occurrence. Whole is the event's full interval in
// cycles; Part is the fragment covered by the query.
type Hap struct {
	WholeBegin float64
	WholeEnd   float64
	PartBegin  float64
	PartEnd    float64
	Value      Value
}

// HasOnset reports whether the hap's whole begins inside its part, i.e.
// whether this query fragment carries the event onset.
func (h Hap) HasOnset() bool {
	return h.WholeBegin == h.PartBegin
}

// Pattern is a queryable stream of haps on the cycle timeline.
type Pattern interface {
	// QueryArc returns all haps overlapping [begin, end), in no defined
	// order. Callers sort by onset.
	QueryArc(begin, end float64) []Hap
}

// queryFunc adapts a plain function to Pattern.
type queryFunc func(begin, end float64) []Hap

func (f queryFunc) QueryArc(begin, end float64) []Hap { return f(begin, end) }

// cyclePattern generates events one cycle at a time and clips them to the
// query. perCycle receives the integer cycle number.
func cyclePattern(perCycle func(cycle int) []Hap) Pattern {
	return queryFunc(func(begin, end float64) []Hap {
		if end <= begin {
			return nil
		}
		var out []Hap
		for c := int(math.Floor(begin)); float64(c) < end; c++ {
			for _, h := range perCycle(c) {
				pb := math.Max(h.WholeBegin, begin)
				pe := math.Min(h.WholeEnd, end)
				if pe <= pb {
					continue
				}
				h.PartBegin, h.PartEnd = pb, pe
				out = append(out, h)
			}
		}
		return out
	})
}

// Stack layers patterns on the same timeline.
func Stack(pats ...Pattern) Pattern {
	return queryFunc(func(begin, end float64) []Hap {
		var out []Hap
		for _, p := range pats {
			out = append(out, p.QueryArc(begin, end)...)
		}
		return out
	})
}

// Fast speeds a pattern up by factor.
func Fast(p Pattern, factor float64) Pattern {
	if factor <= 0 {
		return p
	}
	return queryFunc(func(begin, end float64) []Hap {
		haps := p.QueryArc(begin*factor, end*factor)
		out := make([]Hap, len(haps))
		for i, h := range haps {
			h.WholeBegin /= factor
			h.WholeEnd /= factor
			h.PartBegin /= factor
			h.PartEnd /= factor
			out[i] = h
		}
		return out
	})
}

// Slow stretches a pattern by factor.
func Slow(p Pattern, factor float64) Pattern {
	if factor <= 0 {
		return p
	}
	return Fast(p, 1/factor)
}

// WithParams returns p with fn applied to every hap's params.
func WithParams(p Pattern, fn func(*Params)) Pattern {
	return queryFunc(func(begin, end float64) []Hap {
		haps := p.QueryArc(begin, end)
		out := make([]Hap, len(haps))
		for i, h := range haps {
			fn(&h.Value.Params)
			out[i] = h
		}
		return out
	})
}
