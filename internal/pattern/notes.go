package pattern

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var noteOffsets = map[byte]int{
	'c': 0, 'd': 2, 'e': 4, 'f': 5, 'g': 7, 'a': 9, 'b': 11,
}

// NoteToFreq converts a note name (c3, a#4, eb2) or a midi number to a
// frequency in Hz using twelve-tone equal temperament, A4 = 440.
func NoteToFreq(token string) (float64, error) {
	if midi, err := strconv.ParseFloat(token, 64); err == nil {
		return midiToFreq(midi), nil
	}
	s := strings.ToLower(token)
	if len(s) < 2 {
		return 0, fmt.Errorf("bad note %q", token)
	}
	offset, ok := noteOffsets[s[0]]
	if !ok {
		return 0, fmt.Errorf("bad note %q", token)
	}
	rest := s[1:]
	for len(rest) > 0 {
		switch rest[0] {
		case '#':
			offset++
			rest = rest[1:]
			continue
		case 'b':
			offset--
			rest = rest[1:]
			continue
		}
		break
	}
	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("bad note %q", token)
	}
	midi := float64((octave+1)*12 + offset)
	return midiToFreq(midi), nil
}

func midiToFreq(midi float64) float64 {
	return 440 * math.Pow(2, (midi-69)/12)
}
