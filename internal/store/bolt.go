package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"thsrsniper/internal/domain"
)

var taskBucket = []byte("tasks")

type boltStore struct{ db *bolt.DB }

// NewBolt opens (creating if needed) a bbolt-backed Store at path. Bolt's
// copy-on-write pages already give the crash guarantee the contract asks
// for: a reader sees the previous committed record or the new one, never a
// torn write.
func NewBolt(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, ioErr("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucket)
		return err
	})
	if err != nil {
		return nil, ioErr("open", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Create(ctx context.Context, t *domain.Task) (string, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	t.Version = 1

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		if b.Get([]byte(t.ID)) != nil {
			return ErrDuplicateID
		}
		data, err := json.Marshal(t)
		if err != nil {
			return ioErr("create", err)
		}
		return b.Put([]byte(t.ID), data)
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

func (s *boltStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	var t *domain.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(taskBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var dec domain.Task
		if err := json.Unmarshal(data, &dec); err != nil {
			return ioErr("get", err)
		}
		t = &dec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *boltStore) List(ctx context.Context, f Filter) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(taskBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t domain.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return ioErr("list", err)
			}
			if f.matches(&t) {
				tasks = append(tasks, &t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Bucket iteration is keyed by id; callers expect insertion order.
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (s *boltStore) Update(ctx context.Context, t *domain.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		data := b.Get([]byte(t.ID))
		if data == nil {
			return ErrNotFound
		}
		var cur domain.Task
		if err := json.Unmarshal(data, &cur); err != nil {
			return ioErr("update", err)
		}
		if cur.Version != t.Version {
			return ErrConflict
		}
		t.Version++
		t.UpdatedAt = time.Now().UTC()
		enc, err := json.Marshal(t)
		if err != nil {
			return ioErr("update", err)
		}
		return b.Put([]byte(t.ID), enc)
	})
}

func (s *boltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *boltStore) Close() error { return s.db.Close() }
