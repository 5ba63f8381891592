// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package boltstore persists memengine tables in a bbolt file so a server
// can restart with the tables it hosted. Each table is one msgpack record
// in the "tables" bucket; a save replaces the bucket wholesale.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc/memengine"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	tablesBucket = []byte("tables")
	metaBucket   = []byte("meta")
	savedAtKey   = []byte("saved_at")
)

// Store is an open state file.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Options configure Open.
type Options struct {
	Logger *slog.Logger
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
	// NoSync skips fsync after each save. Tests only.
	NoSync bool
}

// Open opens or creates the state file at path.
func Open(path string, opt Options) (*Store, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	bopt.NoSync = opt.NoSync
	bopt.FreelistType = bbolt.FreelistMapType

	db, err := bbolt.Open(path, 0o666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("boltstore: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{tablesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: preparing %s: %w", path, err)
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored tables with a snapshot of eng.
func (s *Store) Save(ctx context.Context, eng *memengine.Engine) error {
	snaps, err := eng.Snapshot(ctx)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(tablesBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(tablesBucket)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			raw, err := encode(&snap)
			if err != nil {
				return fmt.Errorf("encoding %q: %w", snap.Name, err)
			}
			if err := b.Put([]byte(snap.Name), raw); err != nil {
				return err
			}
		}
		stamp, err := time.Now().UTC().MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(savedAtKey, stamp)
	})
	if err != nil {
		return fmt.Errorf("boltstore: save: %w", err)
	}
	s.logger.Info("tables saved", "tables", len(snaps), "path", s.db.Path())
	return nil
}

// Load restores every stored table into eng and returns how many it
// restored.
func (s *Store) Load(ctx context.Context, eng *memengine.Engine) (int, error) {
	var snaps []memengine.TableSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tablesBucket).ForEach(func(k, v []byte) error {
			var snap memengine.TableSnapshot
			if err := decode(v, &snap); err != nil {
				return fmt.Errorf("decoding %q: %w", k, err)
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("boltstore: load: %w", err)
	}
	if err := eng.Restore(ctx, snaps); err != nil {
		return 0, err
	}
	if len(snaps) > 0 {
		s.logger.Info("tables restored", "tables", len(snaps), "path", s.db.Path())
	}
	return len(snaps), nil
}

// SavedAt reports when Save last committed. ok is false for a fresh file.
func (s *Store) SavedAt() (at time.Time, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(savedAtKey)
		if raw == nil {
			return nil
		}
		ok = true
		return at.UnmarshalBinary(raw)
	})
	return at, ok, err
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(raw))
	return dec.Decode(v)
}
