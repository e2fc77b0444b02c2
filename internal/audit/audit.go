// Package audit persists a write-only trail of control-plane mutations to
// BoltDB; data-plane requests are not recorded. It is never read back to restore registry
// or router state: this system keeps no persisted state across restarts,
// the audit log exists purely for after-the-fact inspection.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Log is an append-only sink for audit Events.
type Log struct {
	db *bbolt.DB
}

// Event is one recorded control-plane mutation.
type Event struct {
	Kind      string         `json:"kind"`
	Subject   string         `json:"subject"`
	Detail    map[string]any `json:"detail,omitempty"`
	Err       string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Open opens (creating if necessary) the BoltDB file at path, retrying with
// exponential backoff since the file may briefly be locked by a prior
// process still shutting down.
func Open(ctx context.Context, path string) (*Log, error) {
	var db *bbolt.DB
	operation := func() error {
		opened, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return err
		}
		db = opened
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends an event under a monotonically increasing key. Failures to
// record are logged by the caller, never surfaced to the data plane — the
// audit trail is best-effort and must never block a request.
func (l *Log) Record(e Event) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d", seq)
		return bucket.Put([]byte(key), data)
	})
}
