// Package audit keeps a durable journal of terminal results in bbolt.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/clock"
	"go.etcd.io/bbolt"
)

var bucketResults = []byte("results")

// keyTimeWidth zero-pads the timestamp so keys sort by time.
const keyTimeWidth = 20

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithClock sets the time source used for results without a completion
// time.
func WithClock(c clock.Clock) Option {
	return func(j *Journal) {
		j.clock = c
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(j *Journal) {
		j.noSync = noSync
	}
}

// Journal appends terminal results to a bbolt database, keyed by
// completion time then query id.
type Journal struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	clock  clock.Clock
	noSync bool
}

// Open opens or creates the journal at path.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		logger: slog.Default(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "audit")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  j.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketResults, err)
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.db = db
	j.codec = c

	j.logger.Debug("opened journal", "path", path, "noSync", j.noSync)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.codec != nil {
		j.codec.close()
		j.codec = nil
	}
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func resultKey(at time.Time, id string) []byte {
	ts := strconv.FormatInt(at.UnixNano(), 10)
	key := make([]byte, 0, keyTimeWidth+1+len(id))
	for range keyTimeWidth - len(ts) {
		key = append(key, '0')
	}
	key = append(key, ts...)
	key = append(key, '/')
	return append(key, id...)
}

// timePrefix is the key prefix for everything strictly before at.
func timePrefix(at time.Time) []byte {
	return resultKey(at, "")
}

// Append stores r.
func (j *Journal) Append(ctx context.Context, r devtoolsrelay.TerminalResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	at := r.CompletedAt
	if at.IsZero() {
		at = j.clock.Now()
	}
	value, err := j.codec.encode(r)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put(resultKey(at, r.ID), value)
	})
}

// Recent returns up to n results, newest first. Values that fail to
// decode are logged and skipped.
func (j *Journal) Recent(ctx context.Context, n int) ([]devtoolsrelay.TerminalResult, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []devtoolsrelay.TerminalResult
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := j.codec.decode(v)
			if err != nil {
				j.logger.Warn("skipping undecodable journal entry", "key", string(k), "error", err)
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Len returns the number of stored results.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketResults).Stats().KeyN
		return nil
	})
	return n, err
}

// DeleteBefore removes up to limit results completed before cutoff,
// oldest first. It reports how many were removed and whether more remain.
func (j *Journal) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int, bool, error) {
	bound := timePrefix(cutoff)
	var deleted int
	var more bool
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResults)
		var expired [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, bound) < 0; k, _ = c.Next() {
			if len(expired) == limit {
				more = true
				break
			}
			expired = append(expired, bytes.Clone(k))
		}
		for _, k := range expired {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("deleting %s: %w", k, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return deleted, more, nil
}
