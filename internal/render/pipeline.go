package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wavecraft/studio-core/internal/adapter/observability"
	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/pattern"
	"github.com/wavecraft/studio-core/internal/render/samples"
)

// defaultCPS is the cycle rate when no tempo is given: 120 BPM in 4/4,
// i.e. one cycle every two seconds.
const defaultCPS = 0.5

const (
	defaultGain = 0.5
	minGain     = 0.3
)

// Engine turns an evaluated pattern into encoded audio.
type Engine struct {
	cache         *samples.Cache
	renderTimeout time.Duration
	encodeTimeout time.Duration
	log           *slog.Logger
}

// NewEngine wires the render engine over a sample cache.
func NewEngine(cache *samples.Cache, renderTimeout, encodeTimeout time.Duration, log *slog.Logger) *Engine {
	return &Engine{cache: cache, renderTimeout: renderTimeout, encodeTimeout: encodeTimeout, log: log}
}

// Render queries the pattern over the requested duration, schedules one
// voice per onset and renders the graph to a WAV payload. progress is
// called with values in [10, 90] as work advances; it may be nil.
func (e *Engine) Render(ctx context.Context, pat pattern.Pattern, opts domain.RenderOptions, progress func(int)) (*domain.RenderResult, error) {
	if progress == nil {
		progress = func(int) {}
	}
	cps := defaultCPS
	if opts.Tempo > 0 {
		cps = opts.Tempo / 120
	}
	cycles := opts.Duration * cps

	haps := pat.QueryArc(0, cycles)
	onsets := haps[:0]
	for _, h := range haps {
		if h.HasOnset() {
			onsets = append(onsets, h)
		}
	}
	sort.Slice(onsets, func(i, j int) bool { return onsets[i].WholeBegin < onsets[j].WholeBegin })
	progress(10)

	graph := NewGraph(opts.SampleRate, opts.Channels, opts.Duration)
	scheduleStart := time.Now()
	for i, h := range onsets {
		if i%cancelBatch == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("op=render.Render: %w", err)
			}
		}
		v, err := e.voiceFor(ctx, h, opts.SampleRate, cps)
		if err != nil {
			return nil, err
		}
		graph.AddVoice(v)
		if len(onsets) > 0 {
			progress(10 + 40*(i+1)/len(onsets))
		}
	}
	observability.RenderStageDuration.WithLabelValues("schedule").Observe(time.Since(scheduleStart).Seconds())

	renderStart := time.Now()
	rctx, cancel := context.WithTimeout(ctx, e.renderTimeout)
	defer cancel()
	buf, err := graph.Render(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=render.Render: %w: render exceeded %s", domain.ErrTimeout, e.renderTimeout)
		}
		return nil, fmt.Errorf("op=render.Render: %w", err)
	}
	renderMs := time.Since(renderStart).Milliseconds()
	observability.RenderStageDuration.WithLabelValues("render").Observe(time.Since(renderStart).Seconds())
	progress(80)

	encodeStart := time.Now()
	raw, err := e.encode(buf, opts)
	if err != nil {
		return nil, err
	}
	encodeMs := time.Since(encodeStart).Milliseconds()
	observability.RenderStageDuration.WithLabelValues("encode").Observe(time.Since(encodeStart).Seconds())
	progress(90)

	return &domain.RenderResult{
		AudioBase64: base64.StdEncoding.EncodeToString(raw),
		Metadata: domain.RenderMetadata{
			Duration:   opts.Duration,
			SampleRate: opts.SampleRate,
			Channels:   opts.Channels,
			Format:     "wav",
			FileSize:   len(raw),
		},
		Timing: domain.RenderTiming{RenderMs: renderMs, EncodeMs: encodeMs},
	}, nil
}

// encode runs WAV encoding under its own deadline so a pathological
// buffer cannot stall shutdown.
func (e *Engine) encode(buf []float64, opts domain.RenderOptions) ([]byte, error) {
	type out struct {
		raw []byte
		err error
	}
	done := make(chan out, 1)
	go func() {
		raw, err := EncodeWAV(buf, opts.SampleRate, opts.Channels)
		done <- out{raw, err}
	}()
	select {
	case o := <-done:
		return o.raw, o.err
	case <-time.After(e.encodeTimeout):
		return nil, fmt.Errorf("op=render.encode: %w: encode exceeded %s", domain.ErrTimeout, e.encodeTimeout)
	}
}

// voiceFor builds the graph voice for one onset hap.
func (e *Engine) voiceFor(ctx context.Context, h pattern.Hap, sampleRate int, cps float64) (*Voice, error) {
	startSec := h.WholeBegin / cps
	durSec := (h.WholeEnd - h.WholeBegin) / cps
	p := h.Value.Params

	gain := defaultGain
	if p.Gain != nil {
		gain = *p.Gain
	}
	if gain < minGain {
		gain = minGain
	}
	v := &Voice{
		StartFrame: int(startSec * float64(sampleRate)),
		Frames:     int(durSec * float64(sampleRate)),
		Gain:       gain,
	}
	if p.Pan != nil {
		v.Pan = clampRange(*p.Pan, -1, 1)
	}
	if p.LPF != nil {
		v.LPF = *p.LPF
	}
	if p.HPF != nil {
		v.HPF = *p.HPF
	}
	if p.Room != nil {
		v.Room = clampRange(*p.Room, 0, 1)
	}
	if p.Delay != nil {
		v.Delay = clampRange(*p.Delay, 0, 1)
	}

	if h.Value.Freq != nil {
		env := envFrom(p, DefaultADSR)
		v.Env = &env
		v.Source = &OscSource{Kind: OscSine, Freq: *h.Value.Freq, SampleRate: sampleRate}
		return v, nil
	}

	buf, err := e.cache.Get(ctx, h.Value.Sample, h.Value.Index)
	if err == nil {
		v.Source = &BufferSource{Data: buf.Data, Step: float64(buf.SampleRate) / float64(sampleRate)}
		// Samples carry their own shape; an explicit envelope still applies.
		if hasEnvParams(p) {
			env := envFrom(p, ADSR{Sustain: 1})
			v.Env = &env
		}
		return v, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		e.log.Warn("sample fetch failed, synthesizing",
			slog.String("sample", h.Value.Sample), slog.Any("error", err))
	}
	inst := InstrumentFor(h.Value.Sample)
	env := envFrom(p, inst.Env)
	v.Env = &env
	if v.HPF == 0 {
		v.HPF = inst.HPF
	}
	v.Source = &OscSource{
		Kind: inst.Kind, Freq: inst.Freq, FreqDecay: inst.FreqDecay,
		NoiseMix: inst.NoiseMix, SampleRate: sampleRate,
	}
	return v, nil
}

func hasEnvParams(p pattern.Params) bool {
	return p.Attack != nil || p.Decay != nil || p.Sustain != nil || p.Release != nil
}

func envFrom(p pattern.Params, base ADSR) ADSR {
	if p.Attack != nil {
		base.Attack = *p.Attack
	}
	if p.Decay != nil {
		base.Decay = *p.Decay
	}
	if p.Sustain != nil {
		base.Sustain = *p.Sustain
	}
	if p.Release != nil {
		base.Release = *p.Release
	}
	return base
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
