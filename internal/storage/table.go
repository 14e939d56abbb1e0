package storage

import (
	"errors"
	"sort"
	"sync"

	"wcsign/go-backend/internal/securestore"
)

var ErrNotFound = errors.New("record not found")

var errUnchanged = errors.New("unchanged")

// Table is a keyed collection held in memory and, when opened with a path,
// mirrored to one securestore-encrypted snapshot. Every mutation builds the
// next snapshot, persists it and only then swaps it in.
type Table[T any] struct {
	mu     sync.RWMutex
	rows   map[string]T
	path   string
	sealer *securestore.Sealer
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{rows: make(map[string]T)}
}

// OpenEncryptedTable loads path when it exists. An empty path yields a memory table.
func OpenEncryptedTable[T any](path, secret string) (*Table[T], error) {
	t := &Table[T]{rows: make(map[string]T), path: path, sealer: securestore.NewSealer(secret)}
	if path == "" {
		return t, nil
	}
	var snapshot struct {
		Rows map[string]T `json:"rows"`
	}
	if _, err := t.sealer.ReadJSON(path, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Rows != nil {
		t.rows = snapshot.Rows
	}
	return t, nil
}

func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[key]
	return v, ok
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Keys returns the keys in sorted order.
func (t *Table[T]) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns rows ordered by key.
func (t *Table[T]) Values() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.rows[k])
	}
	return out
}

func (t *Table[T]) Put(key string, v T) error {
	return t.Update(func(rows map[string]T) error {
		rows[key] = v
		return nil
	})
}

// Insert stores v only when key is absent and reports whether it did.
func (t *Table[T]) Insert(key string, v T) (bool, error) {
	inserted := false
	err := t.Update(func(rows map[string]T) error {
		if _, ok := rows[key]; ok {
			return nil
		}
		rows[key] = v
		inserted = true
		return nil
	})
	return inserted, err
}

func (t *Table[T]) Delete(keys ...string) error {
	return t.Update(func(rows map[string]T) error {
		for _, k := range keys {
			delete(rows, k)
		}
		return nil
	})
}

// DeleteWhere removes every row matching fn and returns how many went. The
// snapshot is left alone when nothing matches.
func (t *Table[T]) DeleteWhere(fn func(key string, v T) bool) (int, error) {
	removed := 0
	err := t.Update(func(rows map[string]T) error {
		for k, v := range rows {
			if fn(k, v) {
				delete(rows, k)
				removed++
			}
		}
		if removed == 0 {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return 0, nil
	}
	return removed, err
}

// Update runs fn against a copy of the rows under the write lock. Returning
// an error from fn discards the copy.
func (t *Table[T]) Update(fn func(rows map[string]T) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]T, len(t.rows)+1)
	for k, v := range t.rows {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	if t.path != "" {
		snapshot := struct {
			Rows map[string]T `json:"rows"`
		}{Rows: next}
		if err := t.sealer.WriteJSON(t.path, snapshot); err != nil {
			return err
		}
	}
	t.rows = next
	return nil
}
