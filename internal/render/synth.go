package render

// Built-in instrument table used when a sample is missing from the
// library or its fetch fails. Each entry is an envelope-modulated
// oscillator+noise model tuned to pass for the named drum sound.

// Instrument parameterizes a synthesized percussion fallback.
type Instrument struct {
	Kind      OscKind
	Freq      float64
	FreqDecay float64
	NoiseMix  float64
	Env       ADSR
	HPF       float64
}

var instrumentTable = map[string]Instrument{
	"bd": {Kind: OscSine, Freq: 120, FreqDecay: 18, NoiseMix: 0.02,
		Env: ADSR{Attack: 0.002, Decay: 0.18, Sustain: 0, Release: 0.02}},
	"sd": {Kind: OscTriangle, Freq: 190, FreqDecay: 8, NoiseMix: 0.55,
		Env: ADSR{Attack: 0.001, Decay: 0.12, Sustain: 0, Release: 0.04}},
	"hh": {Kind: OscSquare, Freq: 6000, NoiseMix: 0.9,
		Env: ADSR{Attack: 0.001, Decay: 0.04, Sustain: 0, Release: 0.01}, HPF: 6500},
	"oh": {Kind: OscSquare, Freq: 5500, NoiseMix: 0.9,
		Env: ADSR{Attack: 0.001, Decay: 0.25, Sustain: 0, Release: 0.08}, HPF: 5500},
	"cp": {Kind: OscTriangle, Freq: 900, NoiseMix: 0.85,
		Env: ADSR{Attack: 0.001, Decay: 0.09, Sustain: 0, Release: 0.05}, HPF: 800},
	"rim": {Kind: OscSquare, Freq: 1700, NoiseMix: 0.3,
		Env: ADSR{Attack: 0.001, Decay: 0.03, Sustain: 0, Release: 0.01}},
	"lt": {Kind: OscSine, Freq: 150, FreqDecay: 10, NoiseMix: 0.05,
		Env: ADSR{Attack: 0.002, Decay: 0.2, Sustain: 0, Release: 0.05}},
	"mt": {Kind: OscSine, Freq: 220, FreqDecay: 10, NoiseMix: 0.05,
		Env: ADSR{Attack: 0.002, Decay: 0.17, Sustain: 0, Release: 0.05}},
	"ht": {Kind: OscSine, Freq: 320, FreqDecay: 10, NoiseMix: 0.05,
		Env: ADSR{Attack: 0.002, Decay: 0.14, Sustain: 0, Release: 0.05}},
	"cb": {Kind: OscSquare, Freq: 845, NoiseMix: 0.05,
		Env: ADSR{Attack: 0.001, Decay: 0.1, Sustain: 0, Release: 0.02}},
	"crash": {Kind: OscSquare, Freq: 4500, NoiseMix: 0.95,
		Env: ADSR{Attack: 0.001, Decay: 0.9, Sustain: 0, Release: 0.4}, HPF: 3000},
	"ride": {Kind: OscSquare, Freq: 5200, NoiseMix: 0.8,
		Env: ADSR{Attack: 0.001, Decay: 0.5, Sustain: 0, Release: 0.2}, HPF: 4000},
}

var defaultInstrument = Instrument{
	Kind: OscTriangle, Freq: 440, NoiseMix: 0.5,
	Env: ADSR{Attack: 0.002, Decay: 0.1, Sustain: 0, Release: 0.03},
}

// InstrumentFor resolves the fallback model for a sample name.
func InstrumentFor(name string) Instrument {
	if inst, ok := instrumentTable[name]; ok {
		return inst
	}
	return defaultInstrument
}
