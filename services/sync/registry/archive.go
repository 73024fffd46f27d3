// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// archivePrefix namespaces archived sessions within the shared BadgerDB.
const archivePrefix = "session/"

// Archive persists completed and abandoned sessions to BadgerDB so
// support can answer "what happened to our game last night" after the
// in-memory registry has forgotten it.
type Archive struct {
	db *badgerdb.DB
}

// NewArchive creates an archive over an open BadgerDB handle. The caller
// retains ownership of db.
func NewArchive(db *badgerdb.DB) *Archive {
	return &Archive{db: db}
}

func archiveKey(sessionID string) []byte {
	return []byte(archivePrefix + sessionID)
}

// Put stores one retired session.
func (a *Archive) Put(_ context.Context, s datatypes.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	err = a.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(archiveKey(s.ID), data)
	})
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	return nil
}

// Get retrieves an archived session by ID.
func (a *Archive) Get(_ context.Context, sessionID string) (datatypes.Session, bool, error) {
	var s datatypes.Session
	err := a.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(archiveKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return datatypes.Session{}, false, nil
		}
		return datatypes.Session{}, false, fmt.Errorf("read archived session %s: %w", sessionID, err)
	}
	return s, true, nil
}

// List returns every archived session.
func (a *Archive) List(_ context.Context) ([]datatypes.Session, error) {
	prefix := []byte(archivePrefix)
	var out []datatypes.Session
	err := a.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s datatypes.Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			})
			if err != nil {
				return fmt.Errorf("decode archived session: %w", err)
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
