// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// MutationLog is the append-only record of applied mutations, used for
// audit, conflict diagnosis, and reconnection catch-up.
//
// Append must never block the caller: the synchronizer calls it right
// after releasing the per-resource critical section and the interactive
// client is still waiting on the reply.
type MutationLog interface {
	// Append enqueues one record for durable storage. Best-effort: on
	// queue overflow the oldest pending record is dropped and counted,
	// never the caller stalled.
	Append(rec datatypes.MutationRecord)

	// Replay streams a resource's records in sequence order. fn
	// returning an error stops the replay.
	Replay(sessionID, resourceID string, fn func(datatypes.MutationRecord) error) error

	// Close flushes pending appends and stops the writer.
	Close() error
}

// badgerLog persists mutation records to BadgerDB via a single writer
// goroutine fed by a bounded queue.
//
// Key layout: mlog/{session}/{resource}/{sequence:020d} so a prefix scan
// yields one resource's history in sequence order.
type badgerLog struct {
	db      *badgerdb.DB
	queue   chan datatypes.MutationRecord
	done    chan struct{}
	wg      sync.WaitGroup
	dropped func() // overflow hook for metrics; may be nil
}

// BadgerLogConfig holds mutation log settings.
type BadgerLogConfig struct {
	// QueueSize bounds the pending-append queue. Default: 1024.
	QueueSize int

	// OnDrop is invoked once per record dropped on overflow. May be nil.
	OnDrop func()
}

// NewBadgerLog creates a mutation log over an open BadgerDB handle. The
// caller retains ownership of db; Close stops the writer but does not
// close db.
func NewBadgerLog(db *badgerdb.DB, cfg BadgerLogConfig) MutationLog {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	l := &badgerLog{
		db:      db,
		queue:   make(chan datatypes.MutationRecord, cfg.QueueSize),
		done:    make(chan struct{}),
		dropped: cfg.OnDrop,
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

func mutationKey(rec datatypes.MutationRecord) []byte {
	return []byte(fmt.Sprintf("mlog/%s/%s/%020d", rec.SessionID, rec.ResourceID, rec.Sequence))
}

// Append implements MutationLog. Drop-oldest on overflow: losing the
// oldest unwritten audit record is preferable to stalling the publisher.
func (l *badgerLog) Append(rec datatypes.MutationRecord) {
	for {
		select {
		case l.queue <- rec:
			return
		default:
		}
		select {
		case old := <-l.queue:
			if l.dropped != nil {
				l.dropped()
			}
			slog.Warn("mutation log queue overflow, dropped oldest record",
				"session_id", old.SessionID,
				"resource_id", old.ResourceID,
				"sequence", old.Sequence)
		default:
		}
	}
}

func (l *badgerLog) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		case <-l.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case rec := <-l.queue:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *badgerLog) write(rec datatypes.MutationRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to marshal mutation record", "error", err)
		return
	}
	err = l.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(mutationKey(rec), data)
	})
	if err != nil {
		slog.Error("failed to persist mutation record",
			"session_id", rec.SessionID,
			"resource_id", rec.ResourceID,
			"sequence", rec.Sequence,
			"error", err)
	}
}

// Replay implements MutationLog.
func (l *badgerLog) Replay(sessionID, resourceID string, fn func(datatypes.MutationRecord) error) error {
	prefix := []byte(fmt.Sprintf("mlog/%s/%s/", sessionID, resourceID))
	return l.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec datatypes.MutationRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode mutation record: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements MutationLog.
func (l *badgerLog) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

var _ MutationLog = (*badgerLog)(nil)
