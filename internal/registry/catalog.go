package registry

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soyeahso/gia/internal/config"
	"github.com/soyeahso/gia/internal/domain"
)

//go:embed catalog.yaml
var catalogYAML []byte

// CatalogEntry is one agent from the built-in catalog with the completion
// message its handler returns.
type CatalogEntry struct {
	domain.AgentDefinition `yaml:",inline"`
	Completion             string `yaml:"completion"`
}

type catalogFile struct {
	Agents []CatalogEntry `yaml:"agents"`
}

// LoadCatalog parses the built-in agent catalog.
func LoadCatalog() ([]CatalogEntry, error) {
	return parseCatalog(catalogYAML)
}

func parseCatalog(data []byte) ([]CatalogEntry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &domain.ConfigurationError{Message: "parse agent catalog", Err: err}
	}
	for i := range f.Agents {
		if f.Agents[i].ExecutionBackend == "" {
			f.Agents[i].ExecutionBackend = domain.BackendLocal
		}
	}
	return f.Agents, nil
}

// ApplyOverrides adjusts execution placement from config. Overrides naming
// agents absent from the catalog are returned as an error after the known
// ones are applied.
func ApplyOverrides(entries []CatalogEntry, overrides map[string]config.AgentOverride) ([]CatalogEntry, error) {
	idx := make(map[string]int, len(entries))
	for i, e := range entries {
		idx[e.Name] = i
	}

	var unknown []string
	for name, o := range overrides {
		i, ok := idx[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if o.ExecutionBackend != "" {
			entries[i].ExecutionBackend = domain.ExecutionBackend(o.ExecutionBackend)
		}
		if o.RemoteCodePath != "" {
			entries[i].RemoteCodePath = o.RemoteCodePath
		}
		if o.MachineID != "" {
			entries[i].MachineID = o.MachineID
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return entries, &domain.ValidationError{
			Field:   "agents.overrides",
			Message: "unknown agents: " + strings.Join(unknown, ", "),
		}
	}
	return entries, nil
}

// RegisterCatalog registers every entry, stopping at the first rejection.
func RegisterCatalog(ctx context.Context, r *Registry, entries []CatalogEntry) error {
	for _, e := range entries {
		if err := r.Register(ctx, e.AgentDefinition); err != nil {
			return fmt.Errorf("register %s: %w", e.Name, err)
		}
	}
	return nil
}
