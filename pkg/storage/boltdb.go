package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/stratakv/strata/pkg/types"
)

// BoltStore implements Store using BoltDB. Buckets are created lazily,
// one per tree. BoltDB serializes write transactions internally and
// fsyncs on commit, which gives the durability the write quorum counts
// against.
type BoltStore struct {
	db *bolt.DB

	mu   sync.RWMutex
	subs map[string][]chan Change
}

// NewBoltStore opens (or creates) the node database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "strata.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &BoltStore{
		db:   db,
		subs: make(map[string][]chan Change),
	}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	s.mu.Lock()
	for _, chans := range s.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan Change)
	s.mu.Unlock()
	return s.db.Close()
}

func (s *BoltStore) Get(tree string, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return types.ErrNotFound
		}
		data := b.Get(key)
		if data == nil {
			return types.ErrNotFound
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Range(tree string, start, end []byte, limit int) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		out = rangeBucket(tx, tree, start, end, limit)
		return nil
	})
	return out, err
}

func (s *BoltStore) Put(tree string, key, value []byte) error {
	return s.Update(func(tx Txn) error {
		return tx.Put(tree, key, value)
	})
}

func (s *BoltStore) Delete(tree string, key []byte) error {
	return s.Update(func(tx Txn) error {
		return tx.Delete(tree, key)
	})
}

// Update runs fn in one BoltDB write transaction. Committed changes are
// fanned out to subscribers after the transaction is durable.
func (s *BoltStore) Update(fn func(tx Txn) error) error {
	var changes []Change
	err := s.db.Update(func(tx *bolt.Tx) error {
		wrapped := &boltTxn{tx: tx, changes: &changes}
		return fn(wrapped)
	})
	if err != nil {
		return err
	}
	s.notify(changes)
	return nil
}

func (s *BoltStore) View(fn func(tx Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

// Subscribe registers a change listener for tree. Delivery is
// best-effort: if the subscriber's buffer is full the change is
// dropped, so consumers treat the stream as a wake-up signal.
func (s *BoltStore) Subscribe(tree string) <-chan Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Change, 256)
	s.subs[tree] = append(s.subs[tree], ch)
	return ch
}

func (s *BoltStore) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range changes {
		for _, ch := range s.subs[c.Tree] {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// boltTxn adapts a bolt.Tx to the Txn interface. changes is nil for
// read-only transactions.
type boltTxn struct {
	tx      *bolt.Tx
	changes *[]Change
}

func (t *boltTxn) Get(tree string, key []byte) ([]byte, error) {
	b := t.tx.Bucket([]byte(tree))
	if b == nil {
		return nil, types.ErrNotFound
	}
	data := b.Get(key)
	if data == nil {
		return nil, types.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (t *boltTxn) Put(tree string, key, value []byte) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(tree))
	if err != nil {
		return fmt.Errorf("failed to create tree %s: %w", tree, err)
	}
	var old []byte
	if prev := b.Get(key); prev != nil {
		old = append([]byte(nil), prev...)
	}
	if err := b.Put(append([]byte(nil), key...), append([]byte(nil), value...)); err != nil {
		return err
	}
	if t.changes != nil {
		*t.changes = append(*t.changes, Change{
			Tree: tree,
			Key:  append([]byte(nil), key...),
			Old:  old,
			New:  append([]byte(nil), value...),
		})
	}
	return nil
}

func (t *boltTxn) Delete(tree string, key []byte) error {
	b := t.tx.Bucket([]byte(tree))
	if b == nil {
		return nil
	}
	var old []byte
	if prev := b.Get(key); prev != nil {
		old = append([]byte(nil), prev...)
	} else {
		return nil
	}
	if err := b.Delete(key); err != nil {
		return err
	}
	if t.changes != nil {
		*t.changes = append(*t.changes, Change{
			Tree: tree,
			Key:  append([]byte(nil), key...),
			Old:  old,
		})
	}
	return nil
}

func (t *boltTxn) Range(tree string, start, end []byte, limit int) ([]KV, error) {
	return rangeBucket(t.tx, tree, start, end, limit), nil
}

func rangeBucket(tx *bolt.Tx, tree string, start, end []byte, limit int) []KV {
	b := tx.Bucket([]byte(tree))
	if b == nil {
		return nil
	}
	var out []KV
	c := b.Cursor()
	var k, v []byte
	if start == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(start)
	}
	for ; k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		out = append(out, KV{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
