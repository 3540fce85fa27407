package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/domain"
)

func TestWorkflowDefinition_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		steps   []domain.WorkflowStep
		wantErr bool
	}{
		{
			name: "linear chain",
			steps: []domain.WorkflowStep{
				{ID: "a", AgentType: domain.AgentLLM},
				{ID: "b", AgentType: domain.AgentLLM, Dependencies: []string{"a"}},
			},
		},
		{
			name: "diamond",
			steps: []domain.WorkflowStep{
				{ID: "a"}, {ID: "b", Dependencies: []string{"a"}},
				{ID: "c", Dependencies: []string{"a"}},
				{ID: "d", Dependencies: []string{"b", "c"}},
			},
		},
		{
			name:    "empty",
			steps:   nil,
			wantErr: true,
		},
		{
			name: "duplicate id",
			steps: []domain.WorkflowStep{
				{ID: "a"}, {ID: "a"},
			},
			wantErr: true,
		},
		{
			name: "self dependency",
			steps: []domain.WorkflowStep{
				{ID: "a", Dependencies: []string{"a"}},
			},
			wantErr: true,
		},
		{
			name: "forward dependency",
			steps: []domain.WorkflowStep{
				{ID: "a", Dependencies: []string{"b"}},
				{ID: "b"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			def := domain.WorkflowDefinition{ID: "wf", Steps: tt.steps}
			err := def.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()
	p := domain.RetryPolicy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	// Capped at MaxDelay from attempt 3 on.
	assert.Equal(t, 500*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(10))
}

func TestRetryPolicy_Delay_Defaults(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Duration(0), domain.RetryPolicy{}.Delay(3))
	// Zero multiplier defaults to 2.
	p := domain.RetryPolicy{InitialDelay: time.Second}
	assert.Equal(t, 2*time.Second, p.Delay(1))
}
