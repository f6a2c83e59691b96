// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"sort"
	"sync"

	"github.com/absmach/rejoin/mailbox"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	rejoins map[string]map[mailbox.HSId]Checkpoint
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rejoins: make(map[string]map[mailbox.HSId]Checkpoint)}
}

func (s *MemoryStore) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sites, ok := s.rejoins[cp.RejoinID]
	if !ok {
		sites = make(map[mailbox.HSId]Checkpoint)
		s.rejoins[cp.RejoinID] = sites
	}
	sites[cp.SiteID] = cp
	return nil
}

func (s *MemoryStore) Load(rejoinID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sites, ok := s.rejoins[rejoinID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Checkpoint, 0, len(sites))
	for _, cp := range sites {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out, nil
}

func (s *MemoryStore) Rejoins() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rejoins))
	for id := range s.rejoins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Delete(rejoinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rejoins, rejoinID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
