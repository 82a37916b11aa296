package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	fileDirPerm  = 0700
	filePerm     = 0600
	maxEntrySize = 10 * 1024 * 1024
)

type fileEntry struct {
	Op       string  `json:"op"`
	Instance int64   `json:"instance,omitempty"`
	Record   *Record `json:"record,omitempty"`
	UpTo     int64   `json:"up_to,omitempty"`
}

const (
	opSave   = "save"
	opDelete = "delete"
)

// FileStorage is an append-only JSON-lines log of acceptor records.
// The whole log is replayed into memory on open; a torn final line left by a
// crash is truncated away, while a bad line followed by more entries fails the
// open with ErrCorrupt.
type FileStorage struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	buf     *bufio.Writer
	sync    bool
	records map[int64]Record
	high    int64 // highest instance any entry has named, -1 for none
}

// OpenFileStorage opens or creates the log at path. With syncWrites every
// Save is fsynced before it returns.
func OpenFileStorage(path string, syncWrites bool) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), fileDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage file: %w", err)
	}

	s := &FileStorage{
		path:    path,
		file:    f,
		sync:    syncWrites,
		records: make(map[int64]Record),
		high:    -1,
	}
	good, err := s.replay()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(good); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate torn tail: %w", err)
	}
	if _, err := f.Seek(good, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek storage file: %w", err)
	}
	s.buf = bufio.NewWriter(f)
	return s, nil
}

// replay rebuilds the index and returns the offset just past the last
// well-formed entry.
func (s *FileStorage) replay() (int64, error) {
	if _, err := s.file.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("failed to seek storage file: %w", err)
	}
	reader := bufio.NewReaderSize(s.file, 64*1024)
	var good int64
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// EOF, possibly with a partial line that never got its newline
			return good, nil
		}
		var e fileEntry
		if len(line) > maxEntrySize || json.Unmarshal(bytes.TrimSpace(line), &e) != nil {
			// only the final line may be torn; anything after it means real damage
			if _, perr := reader.Peek(1); perr != nil {
				return good, nil
			}
			return 0, fmt.Errorf("%w: bad entry at offset %d in %s", ErrCorrupt, good, s.path)
		}
		s.apply(e)
		good += int64(len(line))
	}
}

func (s *FileStorage) apply(e fileEntry) {
	switch e.Op {
	case opSave:
		s.high = max(s.high, e.Instance)
		if e.Record != nil {
			s.records[e.Instance] = copyRecord(*e.Record)
		}
	case opDelete:
		s.high = max(s.high, e.UpTo)
		for id := range s.records {
			if id <= e.UpTo {
				delete(s.records, id)
			}
		}
	}
}

func (s *FileStorage) append(e fileEntry) error {
	if s.file == nil {
		return ErrClosed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.buf.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush entry: %w", err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync storage file: %w", err)
		}
	}
	return nil
}

func (s *FileStorage) Load(instance int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return Record{}, false, ErrClosed
	}
	rec, ok := s.records[instance]
	if !ok {
		return Record{}, false, nil
	}
	return copyRecord(rec), true, nil
}

func (s *FileStorage) Save(instance int64, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = copyRecord(rec)
	if err := s.append(fileEntry{Op: opSave, Instance: instance, Record: &rec}); err != nil {
		return err
	}
	s.records[instance] = rec
	s.high = max(s.high, instance)
	return nil
}

func (s *FileStorage) DeleteUpTo(upTo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := fileEntry{Op: opDelete, UpTo: upTo}
	if err := s.append(e); err != nil {
		return err
	}
	s.apply(e)
	return nil
}

// HighWater returns the highest instance ever saved or deleted through the
// log, including records since deleted. False means the log is empty.
func (s *FileStorage) HighWater() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.high, s.high >= 0
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.buf.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
