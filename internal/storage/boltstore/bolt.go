// Package boltstore keeps paste metadata in a bbolt file. Rows live in the
// pastes bucket keyed by id; a second bucket indexes them by expiry so the
// reaper can stop scanning at the first live entry.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"shortpaste/internal/storage"
)

var (
	pasteBucket  = []byte("pastes")
	expireBucket = []byte("expires")
)

var errBuckets = errors.New("buckets not initialized")

// Store implements storage.Store backed by bbolt.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open initializes a bbolt-backed store located at path.
func Open(path string, opts ...storage.Option) (*Store, error) {
	o := storage.BuildOptions(opts...)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return errors.Wrap(err, "create paste bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(expireBucket); err != nil {
			return errors.Wrap(err, "create expire bucket")
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: o.Now}, nil
}

// Insert persists a paste row. Reusing an id replaces the previous row.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if paste.UpdatedAt.IsZero() {
		paste.UpdatedAt = s.now()
	}
	paste.UpdatedAt = paste.UpdatedAt.UTC().Truncate(time.Second)

	return s.db.Update(func(tx *bolt.Tx) error {
		pBucket, eBucket, err := buckets(tx)
		if err != nil {
			return err
		}

		if existing := pBucket.Get([]byte(paste.ID)); existing != nil {
			var prev storage.Paste
			if err := json.Unmarshal(existing, &prev); err == nil {
				if err := eBucket.Delete(expireKey(prev)); err != nil {
					return errors.Wrap(err, "remove previous expiry index")
				}
			}
		}

		seq, err := pBucket.NextSequence()
		if err != nil {
			return errors.Wrap(err, "allocate row id")
		}
		paste.RowID = int64(seq)

		data, err := json.Marshal(paste)
		if err != nil {
			return errors.Wrap(err, "marshal paste")
		}
		if err := pBucket.Put([]byte(paste.ID), data); err != nil {
			return errors.Wrap(err, "save paste")
		}
		if err := eBucket.Put(expireKey(*paste), []byte(paste.ID)); err != nil {
			return errors.Wrap(err, "index expiry")
		}
		return nil
	})
}

// Get retrieves a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *storage.Paste
	err := s.db.View(func(tx *bolt.Tx) error {
		pBucket, _, err := buckets(tx)
		if err != nil {
			return err
		}
		raw := pBucket.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var paste storage.Paste
		if err := json.Unmarshal(raw, &paste); err != nil {
			return errors.Wrapf(err, "unmarshal paste %s", id)
		}
		out = &paste
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Derive(s.now())
	return out, nil
}

// Exists reports whether a row exists for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		pBucket, _, err := buckets(tx)
		if err != nil {
			return err
		}
		found = pBucket.Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// Delete removes a paste row.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.DeleteMany(ctx, []string{id})
	return n == 1, err
}

// DeleteMany removes all listed rows in a single transaction.
func (s *Store) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		pBucket, eBucket, err := buckets(tx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			raw := pBucket.Get([]byte(id))
			if raw == nil {
				continue
			}
			var paste storage.Paste
			if err := json.Unmarshal(raw, &paste); err == nil {
				if err := eBucket.Delete(expireKey(paste)); err != nil {
					return errors.Wrapf(err, "delete expiry index for %s", id)
				}
			}
			if err := pBucket.Delete([]byte(id)); err != nil {
				return errors.Wrapf(err, "delete paste %s", id)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// List returns all rows, most recently updated first.
func (s *Store) List(ctx context.Context) ([]storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []storage.Paste
	err := s.db.View(func(tx *bolt.Tx) error {
		pBucket, _, err := buckets(tx)
		if err != nil {
			return err
		}
		return pBucket.ForEach(func(k, v []byte) error {
			var paste storage.Paste
			if err := json.Unmarshal(v, &paste); err != nil {
				return errors.Wrapf(err, "unmarshal paste %s", k)
			}
			out = append(out, paste)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range out {
		out[i].Derive(now)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RowID > out[j].RowID
	})
	return out, nil
}

// ListExpired walks the expiry index up to now.
func (s *Store) ListExpired(ctx context.Context) ([]storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	cutoff := uint64(now.Unix())
	var out []storage.Paste
	err := s.db.View(func(tx *bolt.Tx) error {
		pBucket, eBucket, err := buckets(tx)
		if err != nil {
			return err
		}
		cursor := eBucket.Cursor()
		for key, val := cursor.First(); key != nil; key, val = cursor.Next() {
			if len(key) < 8 {
				continue
			}
			if binary.BigEndian.Uint64(key[:8]) > cutoff {
				break
			}
			raw := pBucket.Get(val)
			if raw == nil {
				continue
			}
			var paste storage.Paste
			if err := json.Unmarshal(raw, &paste); err != nil {
				return errors.Wrapf(err, "unmarshal paste %s", val)
			}
			paste.Derive(now)
			out = append(out, paste)
		}
		return nil
	})
	return out, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buckets(tx *bolt.Tx) (*bolt.Bucket, *bolt.Bucket, error) {
	p, e := tx.Bucket(pasteBucket), tx.Bucket(expireBucket)
	if p == nil || e == nil {
		return nil, nil, errBuckets
	}
	return p, e, nil
}

// expireKey orders rows by the unix second at which they expire.
func expireKey(p storage.Paste) []byte {
	expires := storage.ExpiryUnix(p.UpdatedAt.Unix(), p.HoldSeconds)
	key := make([]byte, 8+len(p.ID))
	binary.BigEndian.PutUint64(key, uint64(expires))
	copy(key[8:], p.ID)
	return key
}
