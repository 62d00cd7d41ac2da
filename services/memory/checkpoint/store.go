// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces checkpoint keys in the database.
const keyPrefix = "checkpoint/"

// ErrNotFound is returned when a session has no stored checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// StoreConfig configures the embedded checkpoint store.
type StoreConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM, for tests.
	InMemory bool

	// SyncWrites makes each save durable before returning.
	SyncWrites bool

	// Logger receives the database's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultStoreConfig returns durable on-disk defaults.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{Path: path, SyncWrites: true}
}

// Store keeps checkpoints in an embedded Badger database, keyed by
// session ID.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db *badger.DB
}

// OpenStore opens the checkpoint database, creating the directory when
// needed.
func OpenStore(cfg StoreConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("checkpoint: store path required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("checkpoint: create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&dbLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Put saves a checkpoint under the session ID.
func (s *Store) Put(sessionID string, cp Checkpoint) error {
	data, err := Marshal(cp)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+sessionID), data)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: put %s: %w", sessionID, err)
	}
	return nil
}

// Get loads the checkpoint for a session.
func (s *Store) Get(sessionID string) (Checkpoint, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + sessionID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: get %s: %w", sessionID, err)
	}
	return Unmarshal(data)
}

// Delete removes a session's checkpoint. Deleting a missing checkpoint
// is not an error.
func (s *Store) Delete(sessionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + sessionID))
	})
	if err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", sessionID, err)
	}
	return nil
}

// List returns all session IDs with a stored checkpoint.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	return ids, nil
}

// dbLogger adapts slog to the database's logger interface.
type dbLogger struct {
	logger *slog.Logger
}

func (l *dbLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *dbLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *dbLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *dbLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
