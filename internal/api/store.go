package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samcharles93/qconv/pkg/qconv"
)

type moduleRecord struct {
	ID        string
	CreatedAt time.Time
	Module    *qconv.Conv2d
}

// ModuleStore holds loaded modules keyed by id. The Conv2d itself is safe
// for concurrent forwards; the store only guards the map.
type ModuleStore struct {
	mu      sync.Mutex
	modules map[string]*moduleRecord
}

func NewModuleStore() *ModuleStore {
	return &ModuleStore{modules: make(map[string]*moduleRecord)}
}

func (s *ModuleStore) Create(m *qconv.Conv2d, now time.Time) *moduleRecord {
	rec := &moduleRecord{
		ID:        newModuleID(),
		CreatedAt: now,
		Module:    m,
	}
	s.mu.Lock()
	s.modules[rec.ID] = rec
	s.mu.Unlock()
	return rec
}

func (s *ModuleStore) Get(id string) (*moduleRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.modules[id]
	return rec, ok
}

func (s *ModuleStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[id]; !ok {
		return false
	}
	delete(s.modules, id)
	return true
}

func (s *ModuleStore) List() []*moduleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*moduleRecord, 0, len(s.modules))
	for _, rec := range s.modules {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newModuleID() string {
	return "mod_" + uuid.NewString()
}
