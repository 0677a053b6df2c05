// Package store persists individual task records over the shared backend.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"taskmill/internal/backend"
	"taskmill/internal/domain"
)

// Store reads and writes Task records by id.
type Store struct {
	b backend.Backend
}

func New(b backend.Backend) *Store {
	return &Store{b: b}
}

// Save persists the full task record.
func (s *Store) Save(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	if err := s.b.Set(ctx, TaskKey(task.ID), string(data), 0); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// Get returns the task record, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*domain.Task, error) {
	raw, ok, err := s.b.Get(ctx, TaskKey(id))
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// Delete removes the task record.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.b.Delete(ctx, TaskKey(id))
}

// SetIdempotency records key -> taskID for a definition.
func (s *Store) SetIdempotency(ctx context.Context, name, key, taskID string) error {
	return s.b.HSet(ctx, IdemKey(name), key, taskID)
}

// LookupIdempotency returns the task id currently owning a dedup key.
func (s *Store) LookupIdempotency(ctx context.Context, name, key string) (string, bool, error) {
	return s.b.HGet(ctx, IdemKey(name), key)
}

// ClearIdempotency releases a dedup key once its task reaches a terminal
// state, so later equivalent enqueues create fresh tasks.
func (s *Store) ClearIdempotency(ctx context.Context, name, key string) error {
	return s.b.HDel(ctx, IdemKey(name), key)
}
