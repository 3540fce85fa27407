package orchestration

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavecraft/studio-core/internal/domain"
)

// ConsensusStrategy selects how a round's consensus score is computed.
type ConsensusStrategy string

const (
	ConsensusUnanimous   ConsensusStrategy = "unanimous"
	ConsensusMajority    ConsensusStrategy = "majority"
	ConsensusWeighted    ConsensusStrategy = "weighted"
	ConsensusFacilitator ConsensusStrategy = "facilitator"
)

// Participant is one agent seat in a discussion.
type Participant struct {
	AgentRef    string  `json:"agentRef" yaml:"agentRef"`
	Role        string  `json:"role" yaml:"role"`
	Weight      float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Perspective string  `json:"perspective,omitempty" yaml:"perspective,omitempty"`
}

// DiscussionConfig drives a moderated multi-agent discussion.
type DiscussionConfig struct {
	MaxRounds                  int               `json:"maxRounds" yaml:"maxRounds"`
	Participants               []Participant     `json:"participants" yaml:"participants"`
	ConsensusStrategy          ConsensusStrategy `json:"consensusStrategy" yaml:"consensusStrategy"`
	FacilitatorAgentRef        string            `json:"facilitatorAgentRef,omitempty" yaml:"facilitatorAgentRef,omitempty"`
	ConvergenceThreshold       float64           `json:"convergenceThreshold" yaml:"convergenceThreshold"`
	ContributionPromptTemplate string            `json:"contributionPromptTemplate,omitempty" yaml:"contributionPromptTemplate,omitempty"`
	SynthesisPromptTemplate    string            `json:"synthesisPromptTemplate,omitempty" yaml:"synthesisPromptTemplate,omitempty"`
}

// ParticipantSummary aggregates one participant across all rounds.
type ParticipantSummary struct {
	Contributions int     `json:"contributions"`
	AgreementRate float64 `json:"agreementRate"` // mean agreement, normalized to [0,1]
}

// DiscussionResult is the outcome of a full discussion.
type DiscussionResult struct {
	Rounds               []domain.DiscussionRound      `json:"rounds"`
	FinalConsensus       string                        `json:"finalConsensus"`
	ConsensusScore       float64                       `json:"consensusScore"`
	Converged            bool                          `json:"converged"`
	ParticipantSummaries map[string]ParticipantSummary `json:"participantSummaries"`
}

const defaultContributionTemplate = `Topic: {{topic}}

{{synthesis}}You are {{role}}. {{perspective}}
Contribute your view on the topic. End your message with a line
"Agreement: <1-10>" rating how close the group is to a shared answer.`

const defaultSynthesisTemplate = `Integrate the following contributions into a single coherent answer.

{{contributions}}`

// defaultAgreement is assumed when a contribution carries no parseable
// agreement score.
const defaultAgreement = 5.0

// Discussion runs moderated rounds between agent executors resolved by
// ref.
type Discussion struct {
	cfg     DiscussionConfig
	resolve func(agentRef string) (domain.Executor, error)
}

// NewDiscussion builds a discussion runner. resolve maps participant
// agent refs to executors.
func NewDiscussion(cfg DiscussionConfig, resolve func(agentRef string) (domain.Executor, error)) (*Discussion, error) {
	if len(cfg.Participants) == 0 {
		return nil, fmt.Errorf("op=orchestration.NewDiscussion: %w: no participants", domain.ErrInvalidArgument)
	}
	if cfg.MaxRounds < 1 {
		cfg.MaxRounds = 1
	}
	if cfg.ConsensusStrategy == "" {
		cfg.ConsensusStrategy = ConsensusMajority
	}
	if cfg.ConsensusStrategy == ConsensusFacilitator && cfg.FacilitatorAgentRef == "" {
		return nil, fmt.Errorf("op=orchestration.NewDiscussion: %w: facilitator strategy needs facilitatorAgentRef", domain.ErrInvalidArgument)
	}
	if cfg.ContributionPromptTemplate == "" {
		cfg.ContributionPromptTemplate = defaultContributionTemplate
	}
	if cfg.SynthesisPromptTemplate == "" {
		cfg.SynthesisPromptTemplate = defaultSynthesisTemplate
	}
	return &Discussion{cfg: cfg, resolve: resolve}, nil
}

// Run executes up to MaxRounds rounds, stopping once the consensus score
// reaches the convergence threshold.
func (d *Discussion) Run(ctx context.Context, topic string) (*DiscussionResult, error) {
	result := &DiscussionResult{ParticipantSummaries: map[string]ParticipantSummary{}}
	priorSynthesis := ""

	for round := 1; round <= d.cfg.MaxRounds; round++ {
		roundStart := time.Now()
		contributions, err := d.collectContributions(ctx, topic, priorSynthesis)
		if err != nil {
			return nil, err
		}

		synthesis, facilitatorScore, err := d.synthesize(ctx, contributions)
		if err != nil {
			return nil, err
		}

		score := d.consensusScore(contributions, facilitatorScore)
		result.Rounds = append(result.Rounds, domain.DiscussionRound{
			Round:          round,
			Contributions:  contributions,
			Synthesis:      synthesis,
			ConsensusScore: score,
			DurationMs:     time.Since(roundStart).Milliseconds(),
		})
		priorSynthesis = synthesis
		result.FinalConsensus = synthesis
		result.ConsensusScore = score
		if score >= d.cfg.ConvergenceThreshold {
			result.Converged = true
			break
		}
	}

	d.summarize(result)
	return result, nil
}

// collectContributions prompts every participant in parallel.
func (d *Discussion) collectContributions(ctx context.Context, topic, priorSynthesis string) ([]domain.Contribution, error) {
	contributions := make([]domain.Contribution, len(d.cfg.Participants))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range d.cfg.Participants {
		g.Go(func() error {
			executor, err := d.resolve(p.AgentRef)
			if err != nil {
				return err
			}
			synthesisBlock := ""
			if priorSynthesis != "" {
				synthesisBlock = "Previous round synthesis:\n" + priorSynthesis + "\n\n"
			}
			prompt := Interpolate(d.cfg.ContributionPromptTemplate, map[string]any{
				"topic":       topic,
				"synthesis":   synthesisBlock,
				"role":        p.Role,
				"perspective": p.Perspective,
			})
			res, err := executor.Execute(gctx, domain.ExecInput{Prompt: prompt})
			if err != nil {
				return err
			}
			contributions[i] = domain.Contribution{
				ParticipantID:  p.AgentRef,
				Role:           p.Role,
				Content:        res.Output,
				AgreementScore: parseAgreement(res.Output),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contributions, nil
}

// synthesize produces the round synthesis. Under the facilitator
// strategy the facilitator agent also reports the round's agreement.
func (d *Discussion) synthesize(ctx context.Context, contributions []domain.Contribution) (string, float64, error) {
	ref := d.cfg.Participants[0].AgentRef
	if d.cfg.ConsensusStrategy == ConsensusFacilitator {
		ref = d.cfg.FacilitatorAgentRef
	}
	executor, err := d.resolve(ref)
	if err != nil {
		return "", 0, err
	}

	var block strings.Builder
	for _, c := range contributions {
		fmt.Fprintf(&block, "[%s] %s\n\n", c.Role, c.Content)
	}
	prompt := Interpolate(d.cfg.SynthesisPromptTemplate, map[string]any{
		"contributions": block.String(),
	})
	if d.cfg.ConsensusStrategy == ConsensusFacilitator {
		prompt += "\nEnd your synthesis with a line \"Agreement: <1-10>\" rating the group's overall agreement."
	}
	res, err := executor.Execute(ctx, domain.ExecInput{Prompt: prompt})
	if err != nil {
		return "", 0, err
	}
	return res.Output, parseAgreement(res.Output), nil
}

// consensusScore computes the round score in [0,1] per the configured
// strategy.
func (d *Discussion) consensusScore(contributions []domain.Contribution, facilitatorScore float64) float64 {
	switch d.cfg.ConsensusStrategy {
	case ConsensusUnanimous:
		minA := 10.0
		for _, c := range contributions {
			if c.AgreementScore < minA {
				minA = c.AgreementScore
			}
		}
		return minA / 10
	case ConsensusMajority:
		agreeing := 0
		for _, c := range contributions {
			if c.AgreementScore >= 6 {
				agreeing++
			}
		}
		return float64(agreeing) / float64(len(contributions))
	case ConsensusFacilitator:
		return facilitatorScore / 10
	default: // weighted
		var weightSum, scoreSum float64
		for i, c := range contributions {
			w := d.cfg.Participants[i].Weight
			if w <= 0 {
				w = 1
			}
			weightSum += w
			scoreSum += w * c.AgreementScore / 10
		}
		if weightSum == 0 {
			return 0
		}
		return scoreSum / weightSum
	}
}

func (d *Discussion) summarize(result *DiscussionResult) {
	totals := map[string]struct {
		n   int
		sum float64
	}{}
	for _, round := range result.Rounds {
		for _, c := range round.Contributions {
			t := totals[c.ParticipantID]
			t.n++
			t.sum += c.AgreementScore / 10
			totals[c.ParticipantID] = t
		}
	}
	for id, t := range totals {
		result.ParticipantSummaries[id] = ParticipantSummary{
			Contributions: t.n,
			AgreementRate: t.sum / float64(t.n),
		}
	}
}

var agreementRe = regexp.MustCompile(`(?i)agreement\s*(?:score)?\s*[:=]?\s*(\d+(?:\.\d+)?)`)

// parseAgreement extracts the trailing self-reported agreement score,
// clamped to [1,10]; unparseable contributions default to 5.
func parseAgreement(content string) float64 {
	m := agreementRe.FindStringSubmatch(content)
	if m == nil {
		return defaultAgreement
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return defaultAgreement
	}
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
