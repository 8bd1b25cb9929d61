package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"helmetwatch/internal/alerts"
	"helmetwatch/internal/model"
)

const (
	alertsBucket   = "alerts"
	readingsBucket = "readings"
)

// boltStore keys every record by device timestamp (big-endian nanoseconds)
// followed by the bucket sequence, so cursor order is time order.
type boltStore struct {
	db *bbolt.DB
}

type storedReading struct {
	Kind    model.Kind      `json:"kind"`
	Reading json.RawMessage `json:"reading"`
}

func NewBolt(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		path = "helmetwatch.bolt"
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Init(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(alertsBucket)); err != nil {
			return fmt.Errorf("failed to create alerts bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(readingsBucket)); err != nil {
			return fmt.Errorf("failed to create readings bucket: %w", err)
		}
		return nil
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) SaveAlert(ctx context.Context, e alerts.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	ts := alertRow(e).ts
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(alertsBucket))
		if bucket == nil {
			return fmt.Errorf("alerts bucket not found")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(timeKey(ts, seq), data)
	})
}

func (s *boltStore) SaveReadings(ctx context.Context, readings []model.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(readingsBucket))
		if bucket == nil {
			return fmt.Errorf("readings bucket not found")
		}
		for _, r := range readings {
			raw, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal reading: %w", err)
			}
			data, err := json.Marshal(storedReading{Kind: r.ReadingKind(), Reading: raw})
			if err != nil {
				return fmt.Errorf("failed to marshal reading: %w", err)
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			if err := bucket.Put(timeKey(r.Time(), seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) RecentAlerts(ctx context.Context, limit int) ([]alerts.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []alerts.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(alertsBucket))
		if bucket == nil {
			return fmt.Errorf("alerts bucket not found")
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e alerts.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal alert: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	reverse(out)
	return out, err
}

func (s *boltStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	bound := timeKey(epochSeconds(cutoff), 0)
	var total int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{alertsBucket, readingsBucket} {
			bucket := tx.Bucket([]byte(name))
			if bucket == nil {
				continue
			}
			var stale [][]byte
			c := bucket.Cursor()
			for k, _ := c.First(); k != nil && string(k) < string(bound); k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
			total += int64(len(stale))
		}
		return nil
	})
	return total, err
}

func timeKey(ts float64, seq uint64) []byte {
	key := make([]byte, 16)
	nanos := ts * 1e9
	if nanos < 0 {
		nanos = 0
	}
	binary.BigEndian.PutUint64(key[:8], uint64(nanos))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}
