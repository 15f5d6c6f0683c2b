package routing

import (
	"context"
	"fmt"

	"github.com/soyeahso/gia/internal/domain"
)

// Provisioner manages the lifecycle of remote compute instances.
type Provisioner interface {
	// Ensure returns the id of a usable instance for def, creating one if
	// none can be reused.
	Ensure(ctx context.Context, def domain.AgentDefinition, projectID string) (string, error)
	// Healthy reports whether the instance can accept work.
	Healthy(ctx context.Context, id string) (bool, error)
	// Release tears the instance down.
	Release(ctx context.Context, id string) error
}

// PlaceholderProvisioner synthesizes a deterministic handle per agent and
// project without creating anything.
type PlaceholderProvisioner struct{}

func (PlaceholderProvisioner) Ensure(_ context.Context, def domain.AgentDefinition, projectID string) (string, error) {
	return fmt.Sprintf("remote_%s_%s", def.Name, projectID), nil
}

func (PlaceholderProvisioner) Healthy(context.Context, string) (bool, error) { return true, nil }

func (PlaceholderProvisioner) Release(context.Context, string) error { return nil }
