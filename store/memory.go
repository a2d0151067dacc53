package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op names a PersistedCache operation.
type Op string

const (
	OpFilter Op = "filter"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// FaultFunc is consulted before every operation on a Memory store. A non-nil
// return is reported as the operation's error and the operation is skipped.
type FaultFunc func(op Op, key string) error

// Calls counts operations served by a Memory store, including failed ones.
type Calls struct {
	Filter int
	Create int
	Update int
	Delete int
}

// Writes is the number of create and update calls.
func (c Calls) Writes() int { return c.Create + c.Update }

// Memory is an in-process PersistedCache. It stands in for the remote entity
// store in tests and single-process deployments, with optional fault
// injection to exercise throttling paths.
type Memory struct {
	mu     sync.Mutex
	byID   map[string]Record
	byKey  map[string]string
	calls  Calls
	fault  FaultFunc
	writes []Record
}

var _ PersistedCache = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[string]Record),
		byKey: make(map[string]string),
	}
}

// SetFault installs fn as the fault hook; nil removes it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Calls returns the operation counters.
func (m *Memory) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Written returns every record successfully created or updated, in order.
func (m *Memory) Written() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.writes...)
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Memory) injected(op Op, key string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, key)
}

func (m *Memory) Filter(ctx context.Context, key string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Filter++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.injected(OpFilter, key); err != nil {
		return nil, err
	}
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	return []Record{cloneRecord(m.byID[id])}, nil
}

func (m *Memory) Create(ctx context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Create++
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := m.injected(OpCreate, rec.Key); err != nil {
		return Record{}, err
	}
	if _, exists := m.byKey[rec.Key]; exists {
		return Record{}, Fatal(errDuplicateKey(rec.Key))
	}
	rec = cloneRecord(rec)
	rec.ID = uuid.NewString()
	m.byID[rec.ID] = rec
	m.byKey[rec.Key] = rec.ID
	m.writes = append(m.writes, rec)
	return cloneRecord(rec), nil
}

func (m *Memory) Update(ctx context.Context, id string, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Update++
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := m.injected(OpUpdate, rec.Key); err != nil {
		return Record{}, err
	}
	old, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec = cloneRecord(rec)
	rec.ID = id
	if old.Key != rec.Key {
		delete(m.byKey, old.Key)
		m.byKey[rec.Key] = id
	}
	m.byID[id] = rec
	m.writes = append(m.writes, rec)
	return cloneRecord(rec), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Delete++
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := m.byID[id]
	if err := m.injected(OpDelete, rec.Key); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	delete(m.byID, id)
	delete(m.byKey, rec.Key)
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneRecord(rec Record) Record {
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec
}

// PurgeExpired removes records that are expired at now.
func (m *Memory) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.byID {
		if rec.Expired(now) {
			delete(m.byID, id)
			delete(m.byKey, rec.Key)
			n++
		}
	}
	return n, nil
}
