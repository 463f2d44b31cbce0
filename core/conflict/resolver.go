package conflict

import (
	"fmt"
	"sync"

	"github.com/tathmini/tathmini/core"
)

// Outcome reports how a Record was reconciled.
type Outcome int

const (
	// OutcomeNoConflict means no non-bookkeeping field differed; server
	// state is returned unchanged and no policy ran.
	OutcomeNoConflict Outcome = iota
	OutcomeResolved
	// OutcomeManual means no policy is registered for the record's kind;
	// the record is parked in the manual-resolution table.
	OutcomeManual
)

// Resolver is a pure conflict policy: same Record in, same value out.
type Resolver func(rec Record) (map[string]interface{}, error)

type Registry struct {
	mu        sync.RWMutex
	resolvers map[core.Kind]Resolver
	pending   map[string]Record // manual-resolution table, keyed by record id
	logger    core.Logger
}

// NewRegistry returns a Registry pre-loaded with the built-in policies:
// local-wins for test submissions, smart-merge for profile updates and
// server-wins for derived result data.
func NewRegistry(logger core.Logger) *Registry {
	r := &Registry{
		resolvers: make(map[core.Kind]Resolver),
		pending:   make(map[string]Record),
		logger:    logger,
	}
	r.Register(core.KindTestSubmission, LocalWins)
	r.Register(core.KindProfileUpdate, SmartMerge)
	r.Register(core.KindResultRefresh, ServerWins)
	return r
}

func (r *Registry) Register(kind core.Kind, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[kind] = resolver
}

// Unregister removes the policy for a kind. Subsequent conflicts of that
// kind are parked for manual resolution.
func (r *Registry) Unregister(kind core.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resolvers, kind)
}

// Resolve reconciles a Record. A policy failure (error or panic) never
// propagates: it falls back to server-wins and is logged.
func (r *Registry) Resolve(rec Record) (map[string]interface{}, Outcome) {
	if len(rec.ConflictFields) == 0 {
		return rec.ServerData, OutcomeNoConflict
	}

	r.mu.RLock()
	resolver, ok := r.resolvers[rec.Kind]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		r.pending[rec.ID] = rec
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Warn(fmt.Sprintf("conflict %s: no resolver for kind %q, queued for manual resolution", rec.ID, rec.Kind))
		}
		return nil, OutcomeManual
	}

	resolved, err := safeResolve(resolver, rec)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(fmt.Sprintf("conflict %s: resolver for kind %q failed, defaulting to server-wins", rec.ID, rec.Kind), err)
		}
		return rec.ServerData, OutcomeResolved
	}
	return resolved, OutcomeResolved
}

// Pending returns a snapshot of the manual-resolution table.
func (r *Registry) Pending() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]Record, 0, len(r.pending))
	for _, rec := range r.pending {
		recs = append(recs, rec)
	}
	return recs
}

// Discard drops a parked record once it has been dealt with out of band.
func (r *Registry) Discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func safeResolve(resolver Resolver, rec Record) (resolved map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resolver panic: %v", rec)
		}
	}()
	return resolver(rec)
}

// Built-in policies

// LocalWins returns the local data untouched. Used for test-submission
// answers: what the user captured is authoritative for that attempt.
func LocalWins(rec Record) (map[string]interface{}, error) {
	return rec.LocalData, nil
}

// ServerWins returns the server data untouched. Used for derived result
// data: server-computed scores always supersede local copies.
func ServerWins(rec Record) (map[string]interface{}, error) {
	return rec.ServerData, nil
}

// SmartMerge starts from server data; a differing local field survives only
// if the local mutation is newer than the server record. Fields the server
// does not have are always taken from local data.
func SmartMerge(rec Record) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(rec.ServerData)+len(rec.LocalData))
	for name, value := range rec.ServerData {
		merged[name] = value
	}
	localNewer := rec.LocalTimestamp.After(rec.ServerTimestamp)
	for name, value := range rec.LocalData {
		sv, ok := rec.ServerData[name]
		if !ok {
			merged[name] = value
			continue
		}
		if !FieldsEqual(value, sv) && localNewer {
			merged[name] = value
		}
	}
	return merged, nil
}
