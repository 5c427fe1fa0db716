// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// ErrEmptyKey is returned for operations on an empty operation ID.
var ErrEmptyKey = errors.New("storage: key must not be empty")

// Store keeps one JSON-encoded T per operation ID under a key prefix.
//
// Thread Safety: safe for concurrent use; each call is its own transaction.
type Store[T any] struct {
	db     *DB
	prefix string
}

// NewStore returns a Store writing keys "<prefix>/<id>" into db.
func NewStore[T any](db *DB, prefix string) *Store[T] {
	return &Store[T]{db: db, prefix: strings.TrimSuffix(prefix, "/") + "/"}
}

func (s *Store[T]) key(id string) []byte {
	return []byte(s.prefix + id)
}

// Save replaces the value stored for id.
func (s *Store[T]) Save(ctx context.Context, id string, v T) error {
	if id == "" {
		return ErrEmptyKey
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", id, err)
	}
	if err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(s.key(id), data)
	}); err != nil {
		return fmt.Errorf("saving %s: %w", id, err)
	}
	return nil
}

// Load returns the value stored for id. The bool is false when nothing is
// stored, which is not an error.
func (s *Store[T]) Load(ctx context.Context, id string) (T, bool, error) {
	var out T
	if id == "" {
		return out, false, ErrEmptyKey
	}
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return out, false, fmt.Errorf("loading %s: %w", id, err)
	}
	return out, found, nil
}

// Delete removes id. Deleting a missing id is not an error.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyKey
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(s.key(id))
	})
}

// List returns the stored IDs in sorted order.
func (s *Store[T]) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(s.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), s.prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.prefix, err)
	}
	sort.Strings(ids)
	return ids, nil
}
