package storage

import (
	"context"
	"sync"
)

// Memory is an in-process store for tests and single-run tooling. State
// does not survive the process.
type Memory struct {
	mu      sync.Mutex
	blob    []byte
	present bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.present {
		return Snapshot{}, ErrNotFound
	}

	return Decode(m.blob)
}

func (m *Memory) Save(_ context.Context, snapshot Snapshot) error {
	blob, err := Encode(snapshot)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.blob = blob
	m.present = true
	m.mu.Unlock()

	return nil
}

func (m *Memory) Delete(_ context.Context) error {
	m.mu.Lock()
	m.blob = nil
	m.present = false
	m.mu.Unlock()

	return nil
}
