// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var _ Store = (*BadgerStore)(nil)

const (
	keyPrefix  = "rejoin:"
	gcInterval = 5 * time.Minute
)

// BadgerConfig holds BadgerDB configuration.
type BadgerConfig struct {
	Dir string
	// SyncWrites fsyncs every checkpoint.
	SyncWrites bool
}

// BadgerStore keeps checkpoints in BadgerDB.
type BadgerStore struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// NewBadgerStore opens the database in cfg.Dir.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}

	s := &BadgerStore{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

func checkpointKey(rejoinID string, site uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", keyPrefix, rejoinID, site))
}

func rejoinPrefix(rejoinID string) []byte {
	return []byte(keyPrefix + rejoinID + ":")
}

func (s *BadgerStore) Save(cp Checkpoint) error {
	if cp.RejoinID == "" {
		return errors.New("checkpoint without rejoin id")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.RejoinID, uint64(cp.SiteID)), data)
	})
}

func (s *BadgerStore) Load(rejoinID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = rejoinPrefix(rejoinID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cp Checkpoint
				if err := json.Unmarshal(val, &cp); err != nil {
					return err
				}
				out = append(out, cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *BadgerStore) Rejoins() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			i := strings.LastIndexByte(key, ':')
			if i < 0 {
				continue
			}
			id := key[:i]
			// Keys are sorted, so sites of one rejoin are contiguous.
			if len(ids) == 0 || ids[len(ids)-1] != id {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

func (s *BadgerStore) Delete(rejoinID string) error {
	return s.db.DropPrefix(rejoinPrefix(rejoinID))
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there is nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
