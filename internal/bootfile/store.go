package bootfile

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bByEndpoint = "peers_by_endpoint"
	bByTS       = "peers_by_ts"

	defaultTO = 2 * time.Second
)

// Record is one bootstrap contact: the endpoint we dialed and the overlay
// id it answered with, stamped with when it was last useful.
type Record struct {
	IDHex      string `json:"id,omitempty"`
	Endpoint   string `json:"endpoint"`
	LastUseful int64  `json:"last_useful"`
	Failures   int    `json:"failures"`
}

// Store persists the bootstrap contact list. It is read once on join and
// rewritten on clean shutdown with the freshest contacts first.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the bootstrap database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty bootstrap store path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bByEndpoint)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bByTS)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NoteSuccess marks endpoint as useful now, learning or refreshing its id.
func (s *Store) NoteSuccess(idHex, endpoint string) error {
	if endpoint == "" {
		return errors.New("empty endpoint")
	}
	now := time.Now().Unix()
	return s.db.Update(func(tx *bolt.Tx) error {
		byEP := tx.Bucket([]byte(bByEndpoint))
		byTS := tx.Bucket([]byte(bByTS))

		rec := Record{IDHex: idHex, Endpoint: endpoint}
		if raw := byEP.Get([]byte(endpoint)); raw != nil {
			_ = json.Unmarshal(raw, &rec)
			_ = byTS.Delete(tsKey(rec.LastUseful, endpoint))
			if idHex != "" {
				rec.IDHex = idHex
			}
		}
		rec.LastUseful = now
		rec.Failures = 0

		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := byEP.Put([]byte(endpoint), val); err != nil {
			return err
		}
		return byTS.Put(tsKey(now, endpoint), nil)
	})
}

// NoteFailure bumps the failure count; contacts that keep failing are
// dropped from the candidate list.
func (s *Store) NoteFailure(endpoint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byEP := tx.Bucket([]byte(bByEndpoint))
		raw := byEP.Get([]byte(endpoint))
		if raw == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		rec.Failures++
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return byEP.Put([]byte(endpoint), val)
	})
}

// Candidates returns up to limit contacts, most recently useful first,
// skipping anything with maxFailures or more consecutive failures.
func (s *Store) Candidates(maxFailures, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		byTS := tx.Bucket([]byte(bByTS))
		byEP := tx.Bucket([]byte(bByEndpoint))
		c := byTS.Cursor()
		for k, _ := c.Last(); k != nil && len(out) < limit; k, _ = c.Prev() {
			_, ep := splitTSKey(k)
			if ep == "" {
				continue
			}
			raw := byEP.Get([]byte(ep))
			if raw == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if maxFailures > 0 && rec.Failures >= maxFailures {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Rewrite replaces the whole list, preserving the given order as recency.
// Runs on clean shutdown with the node's current view of useful peers.
func (s *Store) Rewrite(records []Record) error {
	now := time.Now().Unix()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bByEndpoint)); err != nil {
			return err
		}
		if err := tx.DeleteBucket([]byte(bByTS)); err != nil {
			return err
		}
		byEP, err := tx.CreateBucket([]byte(bByEndpoint))
		if err != nil {
			return err
		}
		byTS, err := tx.CreateBucket([]byte(bByTS))
		if err != nil {
			return err
		}

		for i, rec := range records {
			if rec.Endpoint == "" {
				continue
			}
			// Earlier entries get fresher stamps so ordering survives.
			rec.LastUseful = now - int64(i)
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := byEP.Put([]byte(rec.Endpoint), val); err != nil {
				return err
			}
			if err := byTS.Put(tsKey(rec.LastUseful, rec.Endpoint), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func tsKey(ts int64, endpoint string) []byte {
	// big-endian timestamp for correct ordering; 0x00 separator so Seek
	// and split stay unambiguous.
	b := make([]byte, 8+1+len(endpoint))
	binary.BigEndian.PutUint64(b[:8], uint64(ts))
	b[8] = 0
	copy(b[9:], endpoint)
	return b
}

func splitTSKey(k []byte) (int64, string) {
	if len(k) < 9 || k[8] != 0 {
		return 0, ""
	}
	return int64(binary.BigEndian.Uint64(k[:8])), string(k[9:])
}
