package storage

import "sync"

// MemoryStorage keeps records in a map. It is not durable across process
// restarts; use it for simulation and tests.
type MemoryStorage struct {
	records map[int64]Record
	closed  bool
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[int64]Record)}
}

func (m *MemoryStorage) Load(instance int64) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.records[instance]
	if !ok {
		return Record{}, false, nil
	}
	return copyRecord(rec), true, nil
}

func (m *MemoryStorage) Save(instance int64, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[instance] = copyRecord(rec)
	return nil
}

func (m *MemoryStorage) DeleteUpTo(upTo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for id := range m.records {
		if id <= upTo {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}
