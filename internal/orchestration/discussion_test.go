package orchestration_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/orchestration"
)

// roundAwareExecutor answers contribution prompts with a per-round
// agreement script and synthesis prompts with a synthesis line.
type roundAwareExecutor struct {
	mu         sync.Mutex
	round      int
	agreements []int // agreement reported per contribution round
}

func (r *roundAwareExecutor) Execute(_ context.Context, in domain.ExecInput) (domain.ExecResult, error) {
	if strings.Contains(in.Prompt, "Integrate the following") {
		return domain.ExecResult{Output: "synthesized view"}, nil
	}
	r.mu.Lock()
	idx := r.round
	if idx >= len(r.agreements) {
		idx = len(r.agreements) - 1
	}
	r.round++
	score := r.agreements[idx]
	r.mu.Unlock()
	return domain.ExecResult{Output: fmt.Sprintf("my view\nAgreement: %d", score)}, nil
}

func (r *roundAwareExecutor) HealthCheck(context.Context) domain.Health {
	return domain.Health{OK: true}
}

func resolverFor(agents map[string]domain.Executor) func(string) (domain.Executor, error) {
	return func(ref string) (domain.Executor, error) {
		ex, ok := agents[ref]
		if !ok {
			return nil, fmt.Errorf("%w: unknown agent %q", domain.ErrInvalidArgument, ref)
		}
		return ex, nil
	}
}

func TestDiscussion_WeightedConvergence(t *testing.T) {
	t.Parallel()
	agents := map[string]domain.Executor{
		"composer": &roundAwareExecutor{agreements: []int{8, 9}},
		"critic":   &roundAwareExecutor{agreements: []int{6, 8}},
		"engineer": &roundAwareExecutor{agreements: []int{5, 7}},
	}
	d, err := orchestration.NewDiscussion(orchestration.DiscussionConfig{
		MaxRounds: 3,
		Participants: []orchestration.Participant{
			{AgentRef: "composer", Role: "composer", Weight: 1.2},
			{AgentRef: "critic", Role: "critic", Weight: 1.0},
			{AgentRef: "engineer", Role: "engineer", Weight: 0.8},
		},
		ConsensusStrategy:    orchestration.ConsensusWeighted,
		ConvergenceThreshold: 0.75,
	}, resolverFor(agents))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), "arrangement for the bridge")
	require.NoError(t, err)

	require.Len(t, res.Rounds, 2)
	// Round 1: (1.2*0.8 + 1.0*0.6 + 0.8*0.5) / 3.0
	assert.InDelta(t, 1.96/3.0, res.Rounds[0].ConsensusScore, 1e-9)
	// Round 2: (1.2*0.9 + 1.0*0.8 + 0.8*0.7) / 3.0
	assert.InDelta(t, 2.44/3.0, res.Rounds[1].ConsensusScore, 1e-9)
	assert.True(t, res.Converged)
	assert.Equal(t, "synthesized view", res.FinalConsensus)
	assert.InDelta(t, 2.44/3.0, res.ConsensusScore, 1e-9)

	require.Len(t, res.Rounds[0].Contributions, 3)
	assert.InDelta(t, 8, res.Rounds[0].Contributions[0].AgreementScore, 1e-9)

	sum, ok := res.ParticipantSummaries["composer"]
	require.True(t, ok)
	assert.Equal(t, 2, sum.Contributions)
	assert.InDelta(t, (0.8+0.9)/2, sum.AgreementRate, 1e-9)
}

func TestDiscussion_UnanimousTakesMinimum(t *testing.T) {
	t.Parallel()
	agents := map[string]domain.Executor{
		"a": &roundAwareExecutor{agreements: []int{9}},
		"b": &roundAwareExecutor{agreements: []int{3}},
	}
	d, err := orchestration.NewDiscussion(orchestration.DiscussionConfig{
		MaxRounds: 1,
		Participants: []orchestration.Participant{
			{AgentRef: "a", Role: "a"},
			{AgentRef: "b", Role: "b"},
		},
		ConsensusStrategy:    orchestration.ConsensusUnanimous,
		ConvergenceThreshold: 0.9,
	}, resolverFor(agents))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), "topic")
	require.NoError(t, err)
	require.Len(t, res.Rounds, 1)
	assert.InDelta(t, 0.3, res.Rounds[0].ConsensusScore, 1e-9)
	assert.False(t, res.Converged)
}

func TestDiscussion_MajorityFraction(t *testing.T) {
	t.Parallel()
	agents := map[string]domain.Executor{
		"a": &roundAwareExecutor{agreements: []int{8}},
		"b": &roundAwareExecutor{agreements: []int{6}},
		"c": &roundAwareExecutor{agreements: []int{4}},
	}
	d, err := orchestration.NewDiscussion(orchestration.DiscussionConfig{
		MaxRounds: 1,
		Participants: []orchestration.Participant{
			{AgentRef: "a", Role: "a"},
			{AgentRef: "b", Role: "b"},
			{AgentRef: "c", Role: "c"},
		},
		ConsensusStrategy:    orchestration.ConsensusMajority,
		ConvergenceThreshold: 0.6,
	}, resolverFor(agents))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), "topic")
	require.NoError(t, err)
	// Two of three at >= 6.
	assert.InDelta(t, 2.0/3.0, res.ConsensusScore, 1e-9)
	assert.True(t, res.Converged)
}

type facilitatorExecutor struct{ agreement int }

func (f *facilitatorExecutor) Execute(_ context.Context, in domain.ExecInput) (domain.ExecResult, error) {
	if strings.Contains(in.Prompt, "Integrate the following") {
		return domain.ExecResult{Output: fmt.Sprintf("the group view\nAgreement: %d", f.agreement)}, nil
	}
	return domain.ExecResult{Output: "view without a score line"}, nil
}

func (f *facilitatorExecutor) HealthCheck(context.Context) domain.Health {
	return domain.Health{OK: true}
}

func TestDiscussion_FacilitatorScores(t *testing.T) {
	t.Parallel()
	agents := map[string]domain.Executor{
		"a":   &facilitatorExecutor{},
		"b":   &facilitatorExecutor{},
		"mod": &facilitatorExecutor{agreement: 9},
	}
	d, err := orchestration.NewDiscussion(orchestration.DiscussionConfig{
		MaxRounds: 2,
		Participants: []orchestration.Participant{
			{AgentRef: "a", Role: "a"},
			{AgentRef: "b", Role: "b"},
		},
		ConsensusStrategy:    orchestration.ConsensusFacilitator,
		FacilitatorAgentRef:  "mod",
		ConvergenceThreshold: 0.85,
	}, resolverFor(agents))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), "topic")
	require.NoError(t, err)
	require.Len(t, res.Rounds, 1)
	assert.InDelta(t, 0.9, res.ConsensusScore, 1e-9)
	assert.True(t, res.Converged)
	// Contributions without a score line fall back to the neutral default.
	assert.InDelta(t, 5, res.Rounds[0].Contributions[0].AgreementScore, 1e-9)
}

func TestDiscussion_ConfigValidation(t *testing.T) {
	t.Parallel()
	_, err := orchestration.NewDiscussion(orchestration.DiscussionConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = orchestration.NewDiscussion(orchestration.DiscussionConfig{
		Participants:      []orchestration.Participant{{AgentRef: "a"}},
		ConsensusStrategy: orchestration.ConsensusFacilitator,
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDiscussion_StopsAtMaxRounds(t *testing.T) {
	t.Parallel()
	agents := map[string]domain.Executor{
		"a": &roundAwareExecutor{agreements: []int{2, 2, 2}},
	}
	d, err := orchestration.NewDiscussion(orchestration.DiscussionConfig{
		MaxRounds:            3,
		Participants:         []orchestration.Participant{{AgentRef: "a", Role: "a"}},
		ConsensusStrategy:    orchestration.ConsensusUnanimous,
		ConvergenceThreshold: 0.9,
	}, resolverFor(agents))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), "topic")
	require.NoError(t, err)
	assert.Len(t, res.Rounds, 3)
	assert.False(t, res.Converged)
}
