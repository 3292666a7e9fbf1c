package kv

import (
	"bytes"
	"context"
	"iter"
	"slices"
	"sync"
)

// Memory is a map-backed Store for tests. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	seqs map[string]uint64
	opts *Options
}

// NewMemory returns an empty store. opts may be nil.
func NewMemory(opts *Options) *Memory {
	return &Memory{
		data: make(map[string][]byte),
		seqs: make(map[string]uint64),
		opts: opts,
	}
}

func (m *Memory) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	k := string(m.opts.encode(key))
	m.mu.RLock()
	v, ok := m.data[k]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Set(ctx context.Context, key Key, value []byte) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	k := string(m.opts.encode(key))
	cp := bytes.Clone(value)
	m.mu.Lock()
	m.data[k] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key Key) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	k := string(m.opts.encode(key))
	m.mu.Lock()
	delete(m.data, k)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	prefixBytes := m.opts.listPrefix(prefix)

	return func(yield func(Entry, error) bool) {
		if err := checkCtx(ctx); err != nil {
			yield(Entry{}, err)
			return
		}

		// Snapshot matching keys under read lock so callers may write
		// to the store while iterating.
		type pair struct {
			key string
			val []byte
		}
		m.mu.RLock()
		var matches []pair
		for k, v := range m.data {
			if len(prefixBytes) == 0 || bytes.HasPrefix([]byte(k), prefixBytes) {
				matches = append(matches, pair{k, bytes.Clone(v)})
			}
		}
		m.mu.RUnlock()

		slices.SortFunc(matches, func(a, b pair) int {
			return bytes.Compare([]byte(a.key), []byte(b.key))
		})

		for _, p := range matches {
			entry := Entry{
				Key:   m.opts.decode([]byte(p.key)),
				Value: p.val,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchSet(ctx context.Context, entries []Entry) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.data[string(m.opts.encode(e.Key))] = bytes.Clone(e.Value)
	}
	return nil
}

func (m *Memory) BatchDelete(ctx context.Context, keys []Key) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, string(m.opts.encode(key)))
	}
	return nil
}

// Update holds the write lock for the duration of fn, so transactions on a
// Memory store are serialized and never conflict.
func (m *Memory) Update(ctx context.Context, fn func(tx Txn) error) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTxn{m: m, staged: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.staged {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

// memoryTxn stages writes until Update commits them. A nil staged value
// marks a delete.
type memoryTxn struct {
	m      *Memory
	staged map[string][]byte
}

func (t *memoryTxn) Get(key Key) ([]byte, error) {
	k := string(t.m.opts.encode(key))
	if v, ok := t.staged[k]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return bytes.Clone(v), nil
	}
	v, ok := t.m.data[k]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *memoryTxn) Set(key Key, value []byte) error {
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	t.staged[string(t.m.opts.encode(key))] = v
	return nil
}

func (t *memoryTxn) Delete(key Key) error {
	t.staged[string(t.m.opts.encode(key))] = nil
	return nil
}

func (m *Memory) Sequence(ctx context.Context, name Key) (uint64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	k := string(m.opts.encode(name))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[k]++
	return m.seqs[k], nil
}

func (m *Memory) Close() error {
	return nil
}
