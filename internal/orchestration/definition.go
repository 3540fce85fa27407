package orchestration

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wavecraft/studio-core/internal/domain"
)

// DecodeDefinition parses a YAML workflow definition and validates its
// DAG constraints.
func DecodeDefinition(raw []byte) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return def, fmt.Errorf("op=orchestration.DecodeDefinition: %w: %v", domain.ErrInvalidArgument, err)
	}
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}
