// Package store persists session tombstones across daemon restarts.
// Without the journal a restart would forget freshly stopped sessions and
// the first reconcile would resurrect them from still-active leases.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTombstones = []byte("tombstones")

// Tombstone is the persisted form of a stopped session's tombstone.
type Tombstone struct {
	BNGID               string    `json:"bng_id"`
	CircuitID           string    `json:"circuit_id"`
	RemoteID            string    `json:"remote_id"`
	IPAtStop            string    `json:"ip_at_stop"`
	LatestStateUpdateTS time.Time `json:"latest_state_update_ts_at_stop"`
	StoppedAt           time.Time `json:"stopped_at"`
	Reason              string    `json:"reason"`
	MissingSeen         bool      `json:"missing_seen"`
}

// key builds the bucket key for an identity tuple. The components are
// printable-or-hex decoded strings, so NUL can never occur in them.
func key(bngID, circuitID, remoteID string) []byte {
	k := make([]byte, 0, len(bngID)+len(circuitID)+len(remoteID)+2)
	k = append(k, bngID...)
	k = append(k, 0)
	k = append(k, circuitID...)
	k = append(k, 0)
	k = append(k, remoteID...)
	return k
}

// Journal is a bbolt-backed tombstone mirror. A nil *Journal is a valid
// no-op journal: every method succeeds without persisting, which is how
// the daemon degrades when the store path cannot be opened.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open creates or opens the journal database, creating the parent
// directory if needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		NoSync:  false,
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening tombstone journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTombstones)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing tombstone bucket: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// Put writes or overwrites the tombstone for its identity tuple.
func (j *Journal) Put(t Tombstone) error {
	if j == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling tombstone: %w", err)
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTombstones).Put(key(t.BNGID, t.CircuitID, t.RemoteID), data)
	})
	if err != nil {
		return fmt.Errorf("writing tombstone: %w", err)
	}
	return nil
}

// Delete removes the tombstone for the tuple. Deleting a missing entry is
// not an error.
func (j *Journal) Delete(bngID, circuitID, remoteID string) error {
	if j == nil {
		return nil
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTombstones).Delete(key(bngID, circuitID, remoteID))
	})
	if err != nil {
		return fmt.Errorf("deleting tombstone: %w", err)
	}
	return nil
}

// All returns every persisted tombstone. Entries that no longer
// unmarshal are skipped with a warning; losing one tombstone beats
// refusing to start.
func (j *Journal) All() ([]Tombstone, error) {
	if j == nil {
		return nil, nil
	}
	var out []Tombstone
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTombstones).ForEach(func(k, v []byte) error {
			var t Tombstone
			if err := json.Unmarshal(v, &t); err != nil {
				j.logger.Warn("skipping corrupt tombstone record", "error", err)
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading tombstones: %w", err)
	}
	return out, nil
}
