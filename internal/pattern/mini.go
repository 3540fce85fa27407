package pattern

import (
	"fmt"
	"strconv"
	"strings"
)

// Mini-notation: whitespace-separated sequence filling one cycle, with
// `~` rests, `[a b]` subgroups, `a*n` repetition and `<a b>` per-cycle
// alternation.

type miniNode interface {
	// events renders the node into [begin, end) of the given cycle.
	events(begin, end float64, cycle int) []Hap
}

type miniSeq struct {
	items []miniNode
}

func (s miniSeq) events(begin, end float64, cycle int) []Hap {
	n := len(s.items)
	if n == 0 {
		return nil
	}
	width := (end - begin) / float64(n)
	var out []Hap
	for i, item := range s.items {
		b := begin + float64(i)*width
		out = append(out, item.events(b, b+width, cycle)...)
	}
	return out
}

type miniRest struct{}

func (miniRest) events(_, _ float64, _ int) []Hap { return nil }

type miniAtom struct {
	value Value
}

func (a miniAtom) events(begin, end float64, _ int) []Hap {
	return []Hap{{WholeBegin: begin, WholeEnd: end, Value: a.value}}
}

type miniRepeat struct {
	inner miniNode
	times int
}

func (r miniRepeat) events(begin, end float64, cycle int) []Hap {
	if r.times <= 0 {
		return nil
	}
	width := (end - begin) / float64(r.times)
	var out []Hap
	for i := 0; i < r.times; i++ {
		b := begin + float64(i)*width
		out = append(out, r.inner.events(b, b+width, cycle)...)
	}
	return out
}

type miniAlt struct {
	choices []miniNode
}

func (a miniAlt) events(begin, end float64, cycle int) []Hap {
	if len(a.choices) == 0 {
		return nil
	}
	idx := cycle % len(a.choices)
	if idx < 0 {
		idx += len(a.choices)
	}
	return a.choices[idx].events(begin, end, cycle)
}

// atomValue converts one mini-notation token into a Value. Sample mode
// accepts name[:index]; note mode accepts note names or midi numbers.
type atomValue func(token string) (Value, error)

// sampleAtom parses "bd" or "bd:3".
func sampleAtom(token string) (Value, error) {
	name, idxStr, found := strings.Cut(token, ":")
	v := Value{Sample: name}
	if found {
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return Value{}, fmt.Errorf("bad sample index %q", token)
		}
		v.Index = idx
	}
	return v, nil
}

// noteAtom parses note names (c3, a#4, eb2) or midi numbers.
func noteAtom(token string) (Value, error) {
	freq, err := NoteToFreq(token)
	if err != nil {
		return Value{}, err
	}
	return Value{Freq: &freq}, nil
}

// ParseMini parses mini-notation source into a Pattern whose sequence
// fills each cycle.
func ParseMini(src string, atom atomValue) (Pattern, error) {
	p := &miniParser{src: src, atom: atom}
	root, err := p.parseSeq(nil)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.src[p.pos], p.pos)
	}
	return cyclePattern(func(cycle int) []Hap {
		haps := root.events(0, 1, cycle)
		out := make([]Hap, len(haps))
		for i, h := range haps {
			h.WholeBegin += float64(cycle)
			h.WholeEnd += float64(cycle)
			out[i] = h
		}
		return out
	}), nil
}

type miniParser struct {
	src  string
	pos  int
	atom atomValue
}

func (p *miniParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n') {
		p.pos++
	}
}

// parseSeq parses terms until EOF or one of the closers.
func (p *miniParser) parseSeq(closers []byte) (miniNode, error) {
	var items []miniNode
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			break
		}
		c := p.src[p.pos]
		stop := false
		for _, cl := range closers {
			if c == cl {
				stop = true
			}
		}
		if stop {
			break
		}
		term, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		items = append(items, term)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty sequence at offset %d", p.pos)
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return miniSeq{items: items}, nil
}

func (p *miniParser) parseTerm() (miniNode, error) {
	var node miniNode
	var err error
	switch c := p.src[p.pos]; c {
	case '[':
		p.pos++
		node, err = p.parseSeq([]byte{']'})
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.src) || p.src[p.pos] != ']' {
			return nil, fmt.Errorf("missing ] at offset %d", p.pos)
		}
		p.pos++
	case '<':
		p.pos++
		var choices []miniNode
		for {
			p.skipSpace()
			if p.pos >= len(p.src) {
				return nil, fmt.Errorf("missing > at offset %d", p.pos)
			}
			if p.src[p.pos] == '>' {
				p.pos++
				break
			}
			choice, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			choices = append(choices, choice)
		}
		if len(choices) == 0 {
			return nil, fmt.Errorf("empty alternation at offset %d", p.pos)
		}
		node = miniAlt{choices: choices}
	case '~':
		p.pos++
		node = miniRest{}
	default:
		start := p.pos
		for p.pos < len(p.src) && !strings.ContainsRune(" \t\n[]<>*", rune(p.src[p.pos])) {
			p.pos++
		}
		token := p.src[start:p.pos]
		if token == "" {
			return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
		}
		v, err := p.atom(token)
		if err != nil {
			return nil, err
		}
		node = miniAtom{value: v}
	}
	// optional *n repetition
	if p.pos < len(p.src) && p.src[p.pos] == '*' {
		p.pos++
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		times, err := strconv.Atoi(p.src[start:p.pos])
		if err != nil || times <= 0 {
			return nil, fmt.Errorf("bad repeat count at offset %d", start)
		}
		node = miniRepeat{inner: node, times: times}
	}
	return node, nil
}
