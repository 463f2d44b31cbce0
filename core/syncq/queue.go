package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/conflict"
)

type (
	// Remote is the server side of the queue: fetch current state for a
	// mutation's logical entity, and submit a resolved payload.
	Remote interface {
		// FetchState returns the server state keyed by the mutation's
		// natural key; ok is false when the entity has none or the server
		// holds no state yet.
		FetchState(ctx context.Context, m PendingMutation) (state map[string]interface{}, serverTime time.Time, ok bool, err error)
		Submit(ctx context.Context, m PendingMutation, payload map[string]interface{}) error
	}

	// Event is broadcast to all foreground listeners after a drain.
	Event struct {
		Type      string    `json:"type"`
		Data      EventData `json:"data"`
		Timestamp int64     `json:"timestamp"`
	}

	EventData struct {
		Type     core.Kind `json:"type"`
		Success  int       `json:"success"`
		Failures int       `json:"failures"`
	}

	Broadcaster interface {
		Broadcast(evt Event)
	}

	DrainResult struct {
		Kind     core.Kind `json:"kind"`
		Success  int       `json:"success"`
		Failures int       `json:"failures"`
	}

	Service struct {
		store    core.KVStore
		remote   Remote
		registry *conflict.Registry
		bcast    Broadcaster
		logger   core.Logger

		mu        sync.Mutex
		kindLocks map[core.Kind]*sync.Mutex
	}
)

func NewService(store core.KVStore, remote Remote, registry *conflict.Registry, bcast Broadcaster, logger core.Logger) *Service {
	return &Service{
		store:     store,
		remote:    remote,
		registry:  registry,
		bcast:     bcast,
		logger:    logger,
		kindLocks: make(map[core.Kind]*sync.Mutex),
	}
}

// Enqueue durably records a mutation. It always succeeds locally when the
// store does, whether or not the device is online.
func (s *Service) Enqueue(ctx context.Context, kind core.Kind, userID string, payload interface{}) (PendingMutation, error) {
	if !kind.Valid() {
		return PendingMutation{}, errors.Errorf("unknown mutation kind %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingMutation{}, errors.Wrap(err, "marshalling mutation payload")
	}

	m := PendingMutation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
		UserID:    userID,
	}
	if err = s.save(ctx, m); err != nil {
		return PendingMutation{}, err
	}
	return m, nil
}

// GetPending returns the unsynced mutations of a kind in creation order.
func (s *Service) GetPending(ctx context.Context, kind core.Kind) ([]PendingMutation, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var pending []PendingMutation
	for _, m := range all {
		if m.Kind == kind && !m.Synced {
			pending = append(pending, m)
		}
	}
	sortByCreation(pending)
	return pending, nil
}

// All returns every queued mutation, synced or not, in creation order.
func (s *Service) All(ctx context.Context) ([]PendingMutation, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	sortByCreation(all)
	return all, nil
}

// Drain replays all pending mutations. Kinds drain in parallel with each
// other; drains of the same kind are serialized so replay stays ordered.
// One completion event per kind is broadcast to foreground listeners.
func (s *Service) Drain(ctx context.Context, trigger string) []DrainResult {
	if s.logger != nil {
		s.logger.Info(fmt.Sprintf("syncq: drain started (trigger: %s)", trigger))
	}

	results := make([]DrainResult, len(core.Kinds))
	var wg sync.WaitGroup
	for i, kind := range core.Kinds {
		wg.Add(1)
		go func(i int, kind core.Kind) {
			defer wg.Done()
			results[i] = s.drainKind(ctx, kind)
		}(i, kind)
	}
	wg.Wait()
	return results
}

func (s *Service) drainKind(ctx context.Context, kind core.Kind) DrainResult {
	lock := s.lockFor(kind)
	lock.Lock()
	defer lock.Unlock()

	result := DrainResult{Kind: kind}
	pending, err := s.GetPending(ctx, kind)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(fmt.Sprintf("syncq: loading pending %s mutations", kind), err)
		}
		return result
	}

	// One bad record must not block the rest: every failure is counted and
	// the loop moves on.
	for _, m := range pending {
		if err := s.replay(ctx, m); err != nil {
			result.Failures++
			if s.logger != nil {
				s.logger.Warn(fmt.Sprintf("syncq: mutation %s (%s) not replayed", m.ID, kind), err)
			}
			continue
		}
		result.Success++
	}

	if len(pending) > 0 && s.bcast != nil {
		s.bcast.Broadcast(Event{
			Type: "sync-completed",
			Data: EventData{
				Type:     kind,
				Success:  result.Success,
				Failures: result.Failures,
			},
			Timestamp: time.Now().UnixMilli(),
		})
	}
	return result
}

// replay pushes one mutation through fetch → resolve → submit → mark synced.
func (s *Service) replay(ctx context.Context, m PendingMutation) error {
	localData, err := m.payloadMap()
	if err != nil {
		return err
	}

	resolved := localData
	serverData, serverTime, exists, err := s.remote.FetchState(ctx, m)
	if err != nil {
		return errors.Wrap(err, "fetching server state")
	}
	if exists {
		rec, conflicted := conflict.Detect(m.ID, m.Kind, localData, serverData, m.CreatedAt, serverTime)
		if conflicted {
			value, outcome := s.registry.Resolve(rec)
			if outcome == conflict.OutcomeManual {
				return errors.Errorf("conflict %s awaits manual resolution", m.ID)
			}
			resolved = value
		}
	}

	if err = s.remote.Submit(ctx, m, resolved); err != nil {
		if !core.IsConflict(err) {
			return errors.Wrap(err, "submitting mutation")
		}
		// the server already holds this mutation's effect; replaying it
		// again would never succeed
		if s.logger != nil {
			s.logger.Info(fmt.Sprintf("syncq: mutation %s already applied server-side", m.ID))
		}
	}

	m.Synced = true
	m.SyncedAt = null.TimeFrom(time.Now().UTC())
	return s.save(ctx, m)
}

func (s *Service) lockFor(kind core.Kind) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.kindLocks[kind]
	if !ok {
		lock = &sync.Mutex{}
		s.kindLocks[kind] = lock
	}
	return lock
}

func (s *Service) save(ctx context.Context, m PendingMutation) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshalling mutation")
	}
	return s.store.Put(ctx, core.MutationCollection, m.ID, raw)
}

func (s *Service) load(ctx context.Context) ([]PendingMutation, error) {
	keys, err := s.store.Keys(ctx, core.MutationCollection)
	if err != nil {
		return nil, errors.Wrap(err, "listing mutations")
	}
	mutations := make([]PendingMutation, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, core.MutationCollection, key)
		if err != nil {
			if err == core.ErrKeyNotFound {
				continue
			}
			return nil, errors.Wrapf(err, "reading mutation %s", key)
		}
		var m PendingMutation
		if err = json.Unmarshal(raw, &m); err != nil {
			if s.logger != nil {
				s.logger.Warn(fmt.Sprintf("syncq: skipping unreadable mutation %s", key), err)
			}
			continue
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

func sortByCreation(mutations []PendingMutation) {
	sort.Slice(mutations, func(i, j int) bool {
		if mutations[i].CreatedAt.Equal(mutations[j].CreatedAt) {
			return mutations[i].ID < mutations[j].ID
		}
		return mutations[i].CreatedAt.Before(mutations[j].CreatedAt)
	})
}
