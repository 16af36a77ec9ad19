// Package statsstore persists per-backend health-check statistics
// across process restarts, grounded on the
// teacher's pkg/storage/boltdb.go bbolt-bucket pattern.
package statsstore

import (
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

var bucketHealthStats = []byte("health_stats")

// Store is a bbolt-backed durable record of every backend's HealthStats.
// The Health Checker worker owns writes; anything else only reads through
// Load at startup.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open stats store: %v", poolerr.ErrFatal, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHealthStats)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create stats bucket: %v", poolerr.ErrFatal, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

// Save persists one backend's stats record.
func (s *Store) Save(stats types.HealthStats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealthStats)
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return b.Put(statsKey(stats.BackendID), data)
	})
}

// Load reads back every persisted backend's stats, keyed by backend id.
func (s *Store) Load() (map[int]types.HealthStats, error) {
	out := map[int]types.HealthStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealthStats)
		return b.ForEach(func(k, v []byte) error {
			var stats types.HealthStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return err
			}
			out[stats.BackendID] = stats
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: load stats: %v", poolerr.ErrFatal, err)
	}
	return out, nil
}

func statsKey(backendID int) []byte {
	return []byte(strconv.Itoa(backendID))
}
