package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/pattern"
)

// validationTTL is how long a cached validation verdict stays fresh.
const validationTTL = 5 * time.Minute

// Validator checks pattern sources without rendering them. Verdicts are
// cached in the KV plane keyed by source hash.
type Validator struct {
	store     kv.Store
	evaluator pattern.Evaluator
	maxLength int
	log       *slog.Logger
}

// NewValidator wires a Validator. maxLength bounds accepted source size.
func NewValidator(store kv.Store, ev pattern.Evaluator, maxLength int, log *slog.Logger) *Validator {
	return &Validator{store: store, evaluator: ev, maxLength: maxLength, log: log}
}

var loopHeuristics = []*regexp.Regexp{
	regexp.MustCompile(`while\s*\(\s*true\s*\)`),
	regexp.MustCompile(`while\s*\(\s*1\s*\)`),
	regexp.MustCompile(`for\s*\(\s*;\s*;\s*\)`),
}

// Validate checks source and returns the verdict. The size check runs
// before the cache lookup so oversized sources never hash.
func (v *Validator) Validate(ctx context.Context, source string) (*domain.ValidationResult, error) {
	started := time.Now()

	if len(source) > v.maxLength {
		return &domain.ValidationResult{
			IsValid: false,
			Errors: []domain.ValidationIssue{{
				Code:    domain.CodePatternTooLong,
				Message: fmt.Sprintf("pattern is %d bytes, limit is %d", len(source), v.maxLength),
			}},
			ValidationTimeMs: time.Since(started).Milliseconds(),
		}, nil
	}

	key := validationKey(source)
	if cached, err := v.store.Get(ctx, key); err == nil {
		var res domain.ValidationResult
		if json.Unmarshal([]byte(cached), &res) == nil {
			res.ValidationTimeMs = time.Since(started).Milliseconds()
			return &res, nil
		}
	}

	res := v.check(source)
	res.ValidationTimeMs = time.Since(started).Milliseconds()

	if raw, err := json.Marshal(res); err == nil {
		if err := v.store.SetEx(ctx, key, string(raw), validationTTL); err != nil {
			v.log.Warn("validation cache write failed", slog.Any("error", err))
		}
	}
	return res, nil
}

func (v *Validator) check(source string) *domain.ValidationResult {
	res := &domain.ValidationResult{IsValid: true}

	for _, re := range loopHeuristics {
		if re.MatchString(source) {
			res.IsValid = false
			res.Errors = append(res.Errors, domain.ValidationIssue{
				Code:    domain.CodeValidationError,
				Message: "unbounded loop construct is not allowed in patterns",
			})
			return res
		}
	}

	if !mentionsPrimitive(source) {
		res.Warnings = append(res.Warnings,
			"source references no pattern primitive (s, sound, note, freq, stack)")
	}

	// The evaluation probe doubles as the syntax check: a zero-arg
	// function result is called once inside Evaluate.
	if _, err := v.evaluator.Evaluate(source); err != nil {
		res.IsValid = false
		var se *pattern.SyntaxError
		if errors.As(err, &se) {
			res.Errors = append(res.Errors, domain.ValidationIssue{
				Code:    domain.CodeSyntaxError,
				Message: se.Message,
				Line:    se.Line,
				Column:  se.Column,
			})
		} else {
			res.Errors = append(res.Errors, domain.ValidationIssue{
				Code:    domain.CodeNotAPattern,
				Message: err.Error(),
			})
		}
	}
	return res
}

var primitiveRe = regexp.MustCompile(`\b(` + strings.Join(pattern.Primitives, "|") + `)\s*\(`)

func mentionsPrimitive(source string) bool {
	return primitiveRe.MatchString(source)
}

func validationKey(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "render:validation:" + hex.EncodeToString(sum[:])
}
