// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/IndexGate/pkg/storage/badger"
)

const archivePrefix = "snapshot:"

// DefaultMaxEntries is the retention used when ArchiveConfig.MaxEntries is
// not positive.
const DefaultMaxEntries = 50

// ArchiveConfig configures an Archive.
type ArchiveConfig struct {
	// Dir is the BadgerDB directory. Required unless InMemory is set.
	Dir string

	// InMemory keeps the archive in RAM.
	InMemory bool

	// MaxEntries is how many snapshots are retained, newest first.
	MaxEntries int

	Logger *slog.Logger
}

// Entry describes one archived snapshot.
type Entry struct {
	ETag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updated_at"`
	Size      int64     `json:"size"`
}

// Archive stores past snapshots in BadgerDB, keyed by modification time.
//
// Thread Safety: Safe for concurrent use.
type Archive struct {
	db         *storage.DB
	maxEntries int
	logger     *slog.Logger
}

// OpenArchive opens or creates the archive.
func OpenArchive(cfg ArchiveConfig) (*Archive, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "snapshot_archive"))

	dbCfg := storage.DefaultConfig(cfg.Dir)
	if cfg.InMemory {
		dbCfg = storage.InMemoryConfig()
	}
	dbCfg.Logger = logger

	db, err := storage.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot archive: %w", err)
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Archive{db: db, maxEntries: maxEntries, logger: logger}, nil
}

func archiveKey(ms int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", archivePrefix, ms))
}

func entryFromKey(key []byte, size int64) (Entry, bool) {
	ms, err := strconv.ParseInt(string(key[len(archivePrefix):]), 10, 64)
	if err != nil {
		return Entry{}, false
	}
	t := time.UnixMilli(ms).UTC()
	return Entry{ETag: ETagFor(t), UpdatedAt: t, Size: size}, true
}

// Put archives snap. It reports false when a snapshot with the same
// modification time is already stored. Entries beyond the retention limit
// are pruned, oldest first.
func (a *Archive) Put(ctx context.Context, snap Snapshot) (bool, error) {
	key := archiveKey(snap.ModTime.UnixMilli())
	added := false

	err := a.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, snap.Data)
	})
	if err != nil {
		return false, fmt.Errorf("archiving snapshot: %w", err)
	}
	if !added {
		return false, nil
	}

	pruned, err := a.prune(ctx)
	if err != nil {
		a.logger.Warn("snapshot archive prune failed", slog.String("error", err.Error()))
	} else if pruned > 0 {
		a.logger.Debug("snapshot archive pruned", slog.Int("removed", pruned))
	}
	return true, nil
}

func (a *Archive) prune(ctx context.Context) (int, error) {
	var stale [][]byte
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(reverseKeysOnly())
		defer it.Close()

		prefix := []byte(archivePrefix)
		n := 0
		for it.Seek(seekLast()); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n > a.maxEntries {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	err = a.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// List returns up to limit entries, newest first. A non-positive limit
// returns every entry.
func (a *Archive) List(ctx context.Context, limit int) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(archivePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekLast()); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			item := it.Item()
			var size int64
			if err := item.Value(func(v []byte) error {
				size = int64(len(v))
				return nil
			}); err != nil {
				return err
			}
			if e, ok := entryFromKey(item.Key(), size); ok {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshot archive: %w", err)
	}
	return entries, nil
}

// Get returns the archived snapshot with the given entity tag.
func (a *Archive) Get(ctx context.Context, etag string) (Snapshot, error) {
	ms, err := ParseETag(etag)
	if err != nil {
		return Snapshot{}, err
	}

	var data []byte
	err = a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(archiveKey(ms))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrArchiveEntryNotFound, etag)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot archive: %w", err)
	}

	t := time.UnixMilli(ms).UTC()
	return Snapshot{Data: data, ModTime: t, Size: int64(len(data)), ETag: ETagFor(t)}, nil
}

// Len returns the number of archived snapshots.
func (a *Archive) Len(ctx context.Context) (int, error) {
	n := 0
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(reverseKeysOnly())
		defer it.Close()
		for it.Seek(seekLast()); it.ValidForPrefix([]byte(archivePrefix)); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func reverseKeysOnly() badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = []byte(archivePrefix)
	return opts
}

// seekLast is past every archive key in reverse iteration order.
func seekLast() []byte {
	return append([]byte(archivePrefix), 0xff)
}
