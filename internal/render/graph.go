package render

import (
	"context"
	"math"
	"math/rand"
)

// The offline audio graph is an explicit set of voices, each a small node
// chain (source -> envelope -> filters -> pan), summed into stereo
// accumulators in a single pass. No recursive callback graphs.

// lpfFloor keeps a requested lowpass from muffling the output entirely.
const lpfFloor = 1000.0

// cancelBatch is how many voices are scheduled between cancellation checks.
const cancelBatch = 64

// Source produces mono samples for a voice, frame-indexed from its onset.
type Source interface {
	At(frame int) float64
}

// BufferSource plays a decoded sample buffer at fixed rate 1.0. Sample
// base pitches are unknown, so no pitch shifting happens here; rate
// conversion only corrects for differing sample rates.
type BufferSource struct {
	Data []float64
	// Step is srcRate/dstRate per output frame.
	Step float64
}

// At implements Source with linear interpolation.
func (b *BufferSource) At(frame int) float64 {
	pos := float64(frame) * b.Step
	i := int(pos)
	if i >= len(b.Data)-1 {
		if i < len(b.Data) {
			return b.Data[i]
		}
		return 0
	}
	frac := pos - float64(i)
	return b.Data[i]*(1-frac) + b.Data[i+1]*frac
}

// OscKind selects the oscillator waveform.
type OscKind int

const (
	OscSine OscKind = iota
	OscSquare
	OscSaw
	OscTriangle
)

// OscSource is an oscillator with an optional noise mix, used both for
// pitched notes and synthesized percussion fallbacks.
type OscSource struct {
	Kind       OscKind
	Freq       float64
	FreqDecay  float64 // exponential per-second pitch drop, 0 = none
	NoiseMix   float64 // 0..1
	SampleRate int
	rng        *rand.Rand
}

// At implements Source.
func (o *OscSource) At(frame int) float64 {
	t := float64(frame) / float64(o.SampleRate)
	freq := o.Freq
	if o.FreqDecay > 0 {
		freq = o.Freq * math.Exp(-o.FreqDecay*t)
	}
	phase := 2 * math.Pi * freq * t
	var tone float64
	switch o.Kind {
	case OscSquare:
		if math.Sin(phase) >= 0 {
			tone = 1
		} else {
			tone = -1
		}
	case OscSaw:
		_, frac := math.Modf(freq * t)
		tone = 2*frac - 1
	case OscTriangle:
		_, frac := math.Modf(freq * t)
		tone = 4*math.Abs(frac-0.5) - 1
	default:
		tone = math.Sin(phase)
	}
	if o.NoiseMix <= 0 {
		return tone
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(int64(frame) + 1))
	}
	noise := o.rng.Float64()*2 - 1
	return tone*(1-o.NoiseMix) + noise*o.NoiseMix
}

// ADSR is a linear attack/decay/release envelope with a sustain level.
type ADSR struct {
	Attack  float64
	Decay   float64
	Sustain float64
	Release float64
}

// DefaultADSR is applied to pitched events that carry no envelope params.
var DefaultADSR = ADSR{Attack: 0.005, Decay: 0.05, Sustain: 0.7, Release: 0.05}

// GainAt evaluates the envelope at time t for an event of the given
// duration; the release tail starts at duration.
func (e ADSR) GainAt(t, duration float64) float64 {
	if t < 0 {
		return 0
	}
	if t < e.Attack {
		if e.Attack == 0 {
			return 1
		}
		return t / e.Attack
	}
	if t < e.Attack+e.Decay {
		if e.Decay == 0 {
			return e.Sustain
		}
		frac := (t - e.Attack) / e.Decay
		return 1 - frac*(1-e.Sustain)
	}
	if t < duration {
		return e.Sustain
	}
	if e.Release == 0 {
		return 0
	}
	tail := (t - duration) / e.Release
	if tail >= 1 {
		return 0
	}
	return e.Sustain * (1 - tail)
}

// TailSeconds is how far past the event duration the envelope still sounds.
func (e ADSR) TailSeconds() float64 { return e.Release }

// biquad is an RBJ-cookbook two-pole filter section.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func newLowpass(sampleRate int, freq, q float64) *biquad {
	return newBiquad(sampleRate, freq, q, false)
}

func newHighpass(sampleRate int, freq, q float64) *biquad {
	return newBiquad(sampleRate, freq, q, true)
}

func newBiquad(sampleRate int, freq, q float64, highpass bool) *biquad {
	nyquist := float64(sampleRate) / 2
	if freq >= nyquist {
		freq = nyquist * 0.99
	}
	if freq <= 0 {
		freq = 1
	}
	w0 := 2 * math.Pi * freq / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)
	var b0, b1, b2 float64
	if highpass {
		b0 = (1 + cosw0) / 2
		b1 = -(1 + cosw0)
		b2 = (1 + cosw0) / 2
	} else {
		b0 = (1 - cosw0) / 2
		b1 = 1 - cosw0
		b2 = (1 - cosw0) / 2
	}
	a0 := 1 + alpha
	return &biquad{
		b0: b0 / a0, b1: b1 / a0, b2: b2 / a0,
		a1: -2 * cosw0 / a0, a2: (1 - alpha) / a0,
	}
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// Voice is one scheduled event on the graph.
type Voice struct {
	StartFrame int
	Frames     int // body frames, excluding envelope tail
	Gain       float64
	Pan        float64 // -1..1
	Source     Source
	Env        *ADSR   // nil = rectangular
	LPF        float64 // 0 = none; clamped to lpfFloor
	HPF        float64 // 0 = none
	Room       float64 // 0..1 reverb send
	Delay      float64 // 0..1 echo send
}

// Graph is the offline render graph for one job.
type Graph struct {
	SampleRate int
	Channels   int
	TotalFrame int
	voices     []*Voice
}

// NewGraph sizes an offline graph for duration seconds.
func NewGraph(sampleRate, channels int, duration float64) *Graph {
	return &Graph{
		SampleRate: sampleRate,
		Channels:   channels,
		TotalFrame: int(duration * float64(sampleRate)),
	}
}

// AddVoice schedules a voice.
func (g *Graph) AddVoice(v *Voice) {
	g.voices = append(g.voices, v)
}

// Render sums all voices into an interleaved buffer. Cancellation is
// checked between voice batches; a cancelled render returns ctx.Err().
func (g *Graph) Render(ctx context.Context) ([]float64, error) {
	sumL := make([]float64, g.TotalFrame)
	sumR := make([]float64, g.TotalFrame)

	for i, v := range g.voices {
		if i%cancelBatch == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		g.renderVoice(v, sumL, sumR)
	}

	applySends(g, sumL, sumR)

	if g.Channels == 1 {
		out := make([]float64, g.TotalFrame)
		for i := range out {
			out[i] = clamp((sumL[i] + sumR[i]) * 0.5)
		}
		return out, nil
	}
	out := make([]float64, g.TotalFrame*2)
	for i := 0; i < g.TotalFrame; i++ {
		out[i*2] = clamp(sumL[i])
		out[i*2+1] = clamp(sumR[i])
	}
	return out, nil
}

func (g *Graph) renderVoice(v *Voice, sumL, sumR []float64) {
	// Equal-power panning.
	angle := (v.Pan + 1) * math.Pi / 4
	gl := math.Cos(angle) * v.Gain
	gr := math.Sin(angle) * v.Gain

	var filters []*biquad
	if v.LPF > 0 {
		freq := v.LPF
		if freq < lpfFloor {
			freq = lpfFloor
		}
		filters = append(filters, newLowpass(g.SampleRate, freq, 0.707))
	}
	if v.HPF > 0 {
		filters = append(filters, newHighpass(g.SampleRate, v.HPF, 0.707))
	}

	frames := v.Frames
	duration := float64(frames) / float64(g.SampleRate)
	if v.Env != nil {
		frames += int(v.Env.TailSeconds() * float64(g.SampleRate))
	}
	for i := 0; i < frames; i++ {
		idx := v.StartFrame + i
		if idx < 0 {
			continue
		}
		if idx >= g.TotalFrame {
			break
		}
		s := v.Source.At(i)
		if v.Env != nil {
			s *= v.Env.GainAt(float64(i)/float64(g.SampleRate), duration)
		}
		for _, f := range filters {
			s = f.process(s)
		}
		sumL[idx] += s * gl
		sumR[idx] += s * gr
	}
}

// applySends implements the room and delay effect sends as feedback taps
// over the summed buses. Amounts are averaged across the voices that
// requested them, which matches how the sends behave as shared buses.
func applySends(g *Graph, sumL, sumR []float64) {
	var room, delay float64
	var nRoom, nDelay int
	for _, v := range g.voices {
		if v.Room > 0 {
			room += v.Room
			nRoom++
		}
		if v.Delay > 0 {
			delay += v.Delay
			nDelay++
		}
	}
	if nDelay > 0 {
		amt := math.Min(delay/float64(nDelay), 0.9)
		tap := g.SampleRate / 4
		echoTap(sumL, tap, amt)
		echoTap(sumR, tap, amt)
	}
	if nRoom > 0 {
		amt := math.Min(room/float64(nRoom), 0.9)
		for _, tap := range []int{g.SampleRate / 23, g.SampleRate / 13, g.SampleRate / 7} {
			echoTap(sumL, tap, amt*0.3)
			echoTap(sumR, tap, amt*0.3)
		}
	}
}

func echoTap(buf []float64, tap int, amount float64) {
	if tap <= 0 {
		return
	}
	for i := tap; i < len(buf); i++ {
		buf[i] += buf[i-tap] * amount
	}
}

func clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
