package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wavecraft/studio-core/internal/domain"
)

// CritiqueConfig drives the self-critique refinement loop.
type CritiqueConfig struct {
	MaxIterations             int                        `json:"maxIterations" yaml:"maxIterations"`
	QualityCriteria           []domain.CritiqueCriterion `json:"qualityCriteria" yaml:"qualityCriteria"`
	StopOnQualityThreshold    float64                    `json:"stopOnQualityThreshold" yaml:"stopOnQualityThreshold"`
	ImprovementPromptTemplate string                     `json:"improvementPromptTemplate,omitempty" yaml:"improvementPromptTemplate,omitempty"`
	EvaluationPromptTemplate  string                     `json:"evaluationPromptTemplate,omitempty" yaml:"evaluationPromptTemplate,omitempty"`
}

// CritiqueResult is the outcome of a full critique loop.
type CritiqueResult struct {
	Iterations  []domain.CritiqueIteration `json:"iterations"`
	FinalOutput string                     `json:"finalOutput"`
	FinalScore  float64                    `json:"finalScore"`
	Converged   bool                       `json:"converged"`
}

const defaultEvaluationTemplate = `Evaluate the following output against these criteria.
Criteria:
{{criteria}}

Output:
{{output}}

Respond with JSON only: {"criteriaScores": {"<name>": <0..1>, ...}, "feedback": "<how to improve>"}`

const defaultImprovementTemplate = `Improve the following output using the feedback.

Output:
{{output}}

Feedback:
{{feedback}}

Respond with the improved output only.`

// Critique runs iterative self-refinement of a single task output
// against one executor.
type Critique struct {
	cfg      CritiqueConfig
	executor domain.Executor
}

// NewCritique builds a critique loop runner.
func NewCritique(cfg CritiqueConfig, executor domain.Executor) *Critique {
	if cfg.EvaluationPromptTemplate == "" {
		cfg.EvaluationPromptTemplate = defaultEvaluationTemplate
	}
	if cfg.ImprovementPromptTemplate == "" {
		cfg.ImprovementPromptTemplate = defaultImprovementTemplate
	}
	return &Critique{cfg: cfg, executor: executor}
}

// Run produces the initial output then refines it up to MaxIterations
// times, stopping early once the weighted score reaches the threshold.
// The final output is the best-scoring iteration's, which is not
// necessarily the last.
func (c *Critique) Run(ctx context.Context, taskPrompt string) (*CritiqueResult, error) {
	res, err := c.executor.Execute(ctx, domain.ExecInput{Prompt: taskPrompt})
	if err != nil {
		return nil, err
	}
	output := res.Output

	result := &CritiqueResult{Iterations: []domain.CritiqueIteration{}, FinalOutput: output}
	if c.cfg.MaxIterations == 0 {
		// No refinement requested: hand back the initial output with a
		// synthetic zero evaluation.
		result.FinalScore = 0
		return result, nil
	}

	for i := 1; i <= c.cfg.MaxIterations; i++ {
		iterStart := time.Now()
		eval := c.evaluate(ctx, output)
		result.Iterations = append(result.Iterations, domain.CritiqueIteration{
			Iteration:  i,
			Output:     output,
			Evaluation: eval,
			DurationMs: time.Since(iterStart).Milliseconds(),
		})
		if eval.MeetsThreshold {
			result.Converged = true
			break
		}
		if i == c.cfg.MaxIterations {
			break
		}
		improved, err := c.executor.Execute(ctx, domain.ExecInput{
			Prompt: Interpolate(c.cfg.ImprovementPromptTemplate, map[string]any{
				"output":   output,
				"feedback": eval.Feedback,
			}),
		})
		if err != nil {
			return nil, err
		}
		output = improved.Output
	}

	best := result.Iterations[0]
	for _, it := range result.Iterations[1:] {
		if it.Evaluation.OverallScore > best.Evaluation.OverallScore {
			best = it
		}
	}
	result.FinalOutput = best.Output
	result.FinalScore = best.Evaluation.OverallScore
	return result, nil
}

// evaluate asks the executor to score the output; a failed call or an
// unparseable response records a zero score and the loop proceeds.
func (c *Critique) evaluate(ctx context.Context, output string) domain.CritiqueEvaluation {
	prompt := Interpolate(c.cfg.EvaluationPromptTemplate, map[string]any{
		"output":   output,
		"criteria": describeCriteria(c.cfg.QualityCriteria),
	})
	res, err := c.executor.Execute(ctx, domain.ExecInput{Prompt: prompt})
	if err != nil {
		return domain.CritiqueEvaluation{Feedback: err.Error()}
	}
	eval, ok := parseEvaluation(res.Output, c.cfg.QualityCriteria)
	if !ok {
		return domain.CritiqueEvaluation{Feedback: "evaluation response could not be parsed"}
	}
	eval.MeetsThreshold = eval.OverallScore >= c.cfg.StopOnQualityThreshold
	return eval
}

func describeCriteria(criteria []domain.CritiqueCriterion) string {
	var b strings.Builder
	for _, cr := range criteria {
		fmt.Fprintf(&b, "- %s (weight %.2f)", cr.Name, cr.Weight)
		if cr.EvaluationPrompt != "" {
			fmt.Fprintf(&b, ": %s", cr.EvaluationPrompt)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// parseEvaluation extracts the JSON verdict from an evaluator response.
// The overall score is the weighted sum of per-criterion scores with
// weights normalized.
func parseEvaluation(resp string, criteria []domain.CritiqueCriterion) (domain.CritiqueEvaluation, bool) {
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end <= start {
		return domain.CritiqueEvaluation{}, false
	}
	var parsed struct {
		CriteriaScores map[string]float64 `json:"criteriaScores"`
		Feedback       string             `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(resp[start:end+1]), &parsed); err != nil {
		return domain.CritiqueEvaluation{}, false
	}
	if len(parsed.CriteriaScores) == 0 {
		return domain.CritiqueEvaluation{}, false
	}

	var weightSum, scoreSum float64
	scores := make(map[string]float64, len(criteria))
	for _, cr := range criteria {
		w := cr.Weight
		if w <= 0 {
			w = 1
		}
		s := clamp01(parsed.CriteriaScores[cr.Name])
		scores[cr.Name] = s
		weightSum += w
		scoreSum += w * s
	}
	overall := 0.0
	if weightSum > 0 {
		overall = scoreSum / weightSum
	}
	return domain.CritiqueEvaluation{
		OverallScore:   overall,
		CriteriaScores: scores,
		Feedback:       parsed.Feedback,
	}, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
