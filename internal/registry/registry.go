// Package registry holds the in-memory agent catalog and keeps it in step
// with the agents table.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/logging"
	"github.com/soyeahso/gia/internal/store"
)

// Store is the persistence the registry syncs to. The agents table is not
// assumed to enforce unique names.
type Store interface {
	FindByName(ctx context.Context, name string) (store.AgentRow, bool, error)
	Insert(ctx context.Context, def domain.AgentDefinition) error
	Update(ctx context.Context, id int64, def domain.AgentDefinition) error
	DeleteByName(ctx context.Context, name string) (int64, error)
}

// SyncReport summarizes a SyncAll run.
type SyncReport struct {
	Synced  int      `json:"synced"`
	Failed  int      `json:"failed"`
	Total   int      `json:"total"`
	Written int      `json:"written"`
	Errors  []string `json:"errors,omitempty"`
	Message string   `json:"message"`
}

// Registry is the catalog of agent definitions. The in-memory map is
// authoritative; store writes are best-effort.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]domain.AgentDefinition
	folded map[string]string // normalized name -> registered name
	store  Store
	log    *logging.Logger
}

// New creates a registry. st may be nil, in which case nothing is persisted.
func New(st Store, log *logging.Logger) *Registry {
	return &Registry{
		agents: make(map[string]domain.AgentDefinition),
		folded: make(map[string]string),
		store:  st,
		log:    log.Sub("registry"),
	}
}

// Register adds or replaces def. A name that differs only by case from an
// existing agent is a ConflictError.
func (r *Registry) Register(ctx context.Context, def domain.AgentDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return &domain.ValidationError{Field: "name", Message: "agent name is required"}
	}
	if def.ExecutionBackend == "" {
		def.ExecutionBackend = domain.BackendLocal
	}

	r.mu.Lock()
	if existing, ok := r.folded[domain.NormalizeName(def.Name)]; ok && existing != def.Name {
		r.mu.Unlock()
		return &domain.ConflictError{Name: def.Name, Existing: existing}
	}
	r.put(def)
	r.mu.Unlock()

	r.log.Debug().Str("agent", def.Name).Str("backend", string(def.ExecutionBackend)).Msg("agent registered")
	r.syncBestEffort(ctx, def)
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (domain.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	if !ok {
		return domain.AgentDefinition{}, false
	}
	return def.Clone(), true
}

// All returns a snapshot of every definition, sorted by name.
func (r *Registry) All() []domain.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Update replaces oldName with def. It reports false when oldName is not
// registered. A rename removes the old entry and its stored row first.
func (r *Registry) Update(ctx context.Context, oldName string, def domain.AgentDefinition) (bool, error) {
	if strings.TrimSpace(def.Name) == "" {
		return false, &domain.ValidationError{Field: "name", Message: "agent name is required"}
	}
	if def.ExecutionBackend == "" {
		def.ExecutionBackend = domain.BackendLocal
	}

	r.mu.Lock()
	if _, ok := r.agents[oldName]; !ok {
		r.mu.Unlock()
		return false, nil
	}
	renamed := def.Name != oldName
	if renamed {
		if existing, ok := r.folded[domain.NormalizeName(def.Name)]; ok && existing != oldName {
			r.mu.Unlock()
			return false, &domain.ConflictError{Name: def.Name, Existing: existing}
		}
		r.remove(oldName)
	}
	r.put(def)
	r.mu.Unlock()

	if renamed {
		r.deleteBestEffort(ctx, oldName)
	}
	r.syncBestEffort(ctx, def)
	return true, nil
}

// Delete removes name from memory and, best-effort, from the store.
func (r *Registry) Delete(ctx context.Context, name string) bool {
	r.mu.Lock()
	_, ok := r.agents[name]
	if ok {
		r.remove(name)
	}
	r.mu.Unlock()

	if ok {
		r.deleteBestEffort(ctx, name)
	}
	return ok
}

// SyncAll reconciles every registered agent with the store. Failures are
// isolated per agent and reported, never returned.
func (r *Registry) SyncAll(ctx context.Context) SyncReport {
	defs := r.All()
	report := SyncReport{Total: len(defs)}

	if r.store == nil {
		report.Failed = len(defs)
		for _, def := range defs {
			report.Errors = append(report.Errors, def.Name+": store not configured")
		}
		report.Message = "store not configured"
		return report
	}

	for _, def := range defs {
		wrote, err := r.syncOne(ctx, def)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", def.Name, err))
			continue
		}
		report.Synced++
		if wrote {
			report.Written++
		}
	}
	report.Message = fmt.Sprintf("synced %d/%d agents (%d written)", report.Synced, report.Total, report.Written)

	if report.Failed > 0 {
		r.log.Warn().Strs("errors", report.Errors).Int("failed", report.Failed).Msg("agent sync incomplete")
	}
	r.log.Info().Int("synced", report.Synced).Int("written", report.Written).Msg("agent sync finished")
	return report
}

// syncOne reads the stored row for def and writes only what differs.
func (r *Registry) syncOne(ctx context.Context, def domain.AgentDefinition) (bool, error) {
	row, found, err := r.store.FindByName(ctx, def.Name)
	if err != nil {
		return false, err
	}
	if !found {
		return true, r.store.Insert(ctx, def)
	}
	changed := def.ChangedFields(row.Agent)
	if len(changed) == 0 {
		return false, nil
	}
	r.log.Debug().Str("agent", def.Name).Strs("fields", changed).Msg("agent changed")
	return true, r.store.Update(ctx, row.ID, def)
}

func (r *Registry) syncBestEffort(ctx context.Context, def domain.AgentDefinition) {
	if r.store == nil {
		return
	}
	if _, err := r.syncOne(ctx, def); err != nil {
		r.log.Warn().Err(err).Str("agent", def.Name).Msg("agent sync failed")
	}
}

func (r *Registry) deleteBestEffort(ctx context.Context, name string) {
	if r.store == nil {
		return
	}
	if _, err := r.store.DeleteByName(ctx, name); err != nil {
		r.log.Warn().Err(err).Str("agent", name).Msg("agent delete failed")
	}
}

// put and remove require r.mu held.
func (r *Registry) put(def domain.AgentDefinition) {
	r.agents[def.Name] = def.Clone()
	r.folded[domain.NormalizeName(def.Name)] = def.Name
}

func (r *Registry) remove(name string) {
	delete(r.agents, name)
	delete(r.folded, domain.NormalizeName(name))
}
