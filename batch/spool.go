package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Spool stores serialized parts outside of the part being built.
type Spool interface {
	Write(sessionID, table string, index int, payload []byte) (string, error)
	Read(location string) ([]byte, error)
	// Remove deletes every payload of a session.
	Remove(sessionID string) error
}

// DiskSpool writes each part to a file under Dir/<session id>.
type DiskSpool struct {
	Dir string
}

func NewDiskSpool(dir string) *DiskSpool {
	return &DiskSpool{Dir: dir}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

func (s *DiskSpool) sessionDir(sessionID string) string {
	return filepath.Join(s.Dir, sanitize(sessionID))
}

func (s *DiskSpool) Write(sessionID, table string, index int, payload []byte) (string, error) {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%06d.part", sanitize(table), index))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("write part: %w", err)
	}
	return path, nil
}

func (s *DiskSpool) Read(location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read part: %w", err)
	}
	return data, nil
}

func (s *DiskSpool) Remove(sessionID string) error {
	return os.RemoveAll(s.sessionDir(sessionID))
}

// MemorySpool keeps payloads in memory.
type MemorySpool struct {
	mu    sync.Mutex
	parts map[string][]byte
}

func NewMemorySpool() *MemorySpool {
	return &MemorySpool{parts: make(map[string][]byte)}
}

func (s *MemorySpool) Write(sessionID, table string, index int, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	location := fmt.Sprintf("%s/%s/%06d", sessionID, table, index)
	s.parts[location] = payload
	return location, nil
}

func (s *MemorySpool) Read(location string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.parts[location]
	if !ok {
		return nil, fmt.Errorf("part %s: %w", location, os.ErrNotExist)
	}
	return payload, nil
}

func (s *MemorySpool) Remove(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := sessionID + "/"
	for location := range s.parts {
		if strings.HasPrefix(location, prefix) {
			delete(s.parts, location)
		}
	}
	return nil
}
