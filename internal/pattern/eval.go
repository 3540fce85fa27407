package pattern

import (
	"fmt"
	"strings"
)

// Primitives are the pattern-producing functions the evaluator knows.
// Validation warns when a source references none of them.
var Primitives = []string{"s", "sound", "note", "freq", "stack"}

// Evaluator turns pattern-language source into a queryable Pattern. It is
// the injected capability the render pipeline depends on.
type Evaluator interface {
	Evaluate(source string) (Pattern, error)
}

// Embedded is the in-process Evaluator implementation.
type Embedded struct{}

// NewEmbedded returns the built-in evaluator.
func NewEmbedded() *Embedded { return &Embedded{} }

// Evaluate parses and evaluates source. A top-level zero-arg arrow
// (`() => expr`) is unwrapped and evaluated once, matching the upstream
// probe semantics for function-valued programs.
func (e *Embedded) Evaluate(source string) (Pattern, error) {
	p := &exprParser{lex: newLexer(source)}
	if err := p.init(); err != nil {
		return nil, err
	}
	// () => expr
	if p.cur.kind == tokLParen {
		save := *p.lex
		saveCur := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind == tokRParen {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind == tokArrow {
				if err := p.advance(); err != nil {
					return nil, err
				}
			} else {
				return nil, p.syntaxError("expected => after ()")
			}
		} else {
			*p.lex = save
			p.cur = saveCur
		}
	}
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, p.syntaxError("unexpected trailing input")
	}
	pat, ok := v.(Pattern)
	if !ok {
		return nil, fmt.Errorf("program does not produce a pattern")
	}
	return pat, nil
}

type exprParser struct {
	lex *lexer
	cur token
}

func (p *exprParser) init() error { return p.advanceInto() }

func (p *exprParser) advance() error { return p.advanceInto() }

func (p *exprParser) advanceInto() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *exprParser) syntaxError(msg string) error {
	return &SyntaxError{Message: msg, Line: p.cur.line, Column: p.cur.column}
}

// parseExpr parses a call with an optional method chain. Values are
// Pattern, float64 or string.
func (p *exprParser) parseExpr() (any, error) {
	var v any
	switch p.cur.kind {
	case tokString:
		v = p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
	case tokNumber:
		v = p.cur.number
		if err := p.advance(); err != nil {
			return nil, err
		}
	case tokIdent:
		name := p.cur.text
		nameTok := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokLParen {
			return nil, &SyntaxError{Message: fmt.Sprintf("expected ( after %q", name), Line: nameTok.line, Column: nameTok.column}
		}
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		v, err = callFunction(name, args, nameTok)
		if err != nil {
			return nil, err
		}
	default:
		return nil, p.syntaxError("expected expression")
	}

	for p.cur.kind == tokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokIdent {
			return nil, p.syntaxError("expected method name after .")
		}
		method := p.cur.text
		methodTok := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokLParen {
			return nil, p.syntaxError("expected ( after method name")
		}
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		pat, ok := v.(Pattern)
		if !ok {
			return nil, &SyntaxError{Message: fmt.Sprintf("cannot call .%s on a non-pattern", method), Line: methodTok.line, Column: methodTok.column}
		}
		v, err = callMethod(pat, method, args, methodTok)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (p *exprParser) parseArgs() ([]any, error) {
	// consumes '(' ... ')'
	if err := p.advance(); err != nil {
		return nil, err
	}
	var args []any
	if p.cur.kind == tokRParen {
		return args, p.advance()
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if p.cur.kind == tokRParen {
			return args, p.advance()
		}
		return nil, p.syntaxError("expected , or ) in argument list")
	}
}

func callFunction(name string, args []any, at token) (any, error) {
	posErr := func(msg string) error {
		return &SyntaxError{Message: msg, Line: at.line, Column: at.column}
	}
	switch strings.ToLower(name) {
	case "s", "sound":
		src, ok := singleString(args)
		if !ok {
			return nil, posErr(name + " expects one string argument")
		}
		pat, err := ParseMini(src, sampleAtom)
		if err != nil {
			return nil, posErr(err.Error())
		}
		return pat, nil
	case "note", "freq":
		src, ok := singleString(args)
		if !ok {
			return nil, posErr(name + " expects one string argument")
		}
		pat, err := ParseMini(src, noteAtom)
		if err != nil {
			return nil, posErr(err.Error())
		}
		return pat, nil
	case "stack":
		if len(args) == 0 {
			return nil, posErr("stack expects at least one pattern")
		}
		pats := make([]Pattern, 0, len(args))
		for _, a := range args {
			pat, ok := a.(Pattern)
			if !ok {
				return nil, posErr("stack arguments must be patterns")
			}
			pats = append(pats, pat)
		}
		return Stack(pats...), nil
	}
	return nil, posErr(fmt.Sprintf("unknown function %q", name))
}

func callMethod(pat Pattern, method string, args []any, at token) (any, error) {
	posErr := func(msg string) error {
		return &SyntaxError{Message: msg, Line: at.line, Column: at.column}
	}
	num, haveNum := singleNumber(args)
	switch strings.ToLower(method) {
	case "slow":
		if !haveNum {
			return nil, posErr("slow expects one number")
		}
		return Slow(pat, num), nil
	case "fast":
		if !haveNum {
			return nil, posErr("fast expects one number")
		}
		return Fast(pat, num), nil
	}

	setter, ok := paramSetters[strings.ToLower(method)]
	if !ok {
		return nil, posErr(fmt.Sprintf("unknown method %q", method))
	}
	if !haveNum {
		return nil, posErr(method + " expects one number")
	}
	return WithParams(pat, func(p *Params) {
		v := num
		setter(p, &v)
	}), nil
}

var paramSetters = map[string]func(*Params, *float64){
	"gain":    func(p *Params, v *float64) { p.Gain = v },
	"pan":     func(p *Params, v *float64) { p.Pan = v },
	"lpf":     func(p *Params, v *float64) { p.LPF = v },
	"cutoff":  func(p *Params, v *float64) { p.LPF = v },
	"hpf":     func(p *Params, v *float64) { p.HPF = v },
	"room":    func(p *Params, v *float64) { p.Room = v },
	"delay":   func(p *Params, v *float64) { p.Delay = v },
	"speed":   func(p *Params, v *float64) { p.Speed = v },
	"attack":  func(p *Params, v *float64) { p.Attack = v },
	"decay":   func(p *Params, v *float64) { p.Decay = v },
	"sustain": func(p *Params, v *float64) { p.Sustain = v },
	"release": func(p *Params, v *float64) { p.Release = v },
}

func singleString(args []any) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func singleNumber(args []any) (float64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	n, ok := args[0].(float64)
	return n, ok
}
