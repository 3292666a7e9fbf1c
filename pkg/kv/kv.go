// Package kv is the ordered byte store under the lineage graph. A key is a
// list of segments such as ["n", "5f0c..."], joined with a separator byte
// (':' unless configured) before it reaches storage.
//
// On top of point reads, writes and prefix scans a store offers atomic
// read-modify-write transactions ([Store.Update]) and persisted monotonic
// sequences ([Store.Sequence]). The lineage storage layer derives its
// conflict detection and insertion order from those two.
//
// [Badger] persists to disk or memory; [Memory] is a map-backed store for
// tests.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotFound reports a missing key.
	ErrNotFound = errors.New("kv: not found")

	// ErrTxnConflict is returned by Update when a transaction kept
	// conflicting with concurrent writers after all retries.
	ErrTxnConflict = errors.New("kv: transaction conflict")
)

// Key is a path of segments. With the default separator,
// Key{"out", "a1", "follows"} is stored as "out:a1:follows". A segment must
// not contain the separator.
type Key []string

// String joins the segments with ':' for logs and errors. It ignores the
// configured separator.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is one key with its value.
type Entry struct {
	Key   Key
	Value []byte
}

// Txn is the view of the store inside an Update callback. Reads observe the
// writes already staged in the same transaction.
type Txn interface {
	// Get returns ErrNotFound for a missing key.
	Get(key Key) ([]byte, error)

	// Set stages a key-value pair.
	Set(key Key, value []byte) error

	// Delete stages the removal of a key.
	Delete(key Key) error
}

// Store is an ordered key-value store. Every method honours an already
// cancelled ctx.
type Store interface {
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key Key) error

	// List yields the entries below prefix in ascending encoded-key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet writes all entries or none.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes all keys or none.
	BatchDelete(ctx context.Context, keys []Key) error

	// Update runs fn inside a read-write transaction. If fn returns nil the
	// staged writes are committed atomically; otherwise none of them apply
	// and fn's error is returned unchanged.
	Update(ctx context.Context, fn func(tx Txn) error) error

	// Sequence returns the next value of the named persisted sequence.
	// Values are strictly increasing across calls and restarts and start
	// at 1. Gaps are allowed.
	Sequence(ctx context.Context, name Key) (uint64, error)

	Close() error
}

// Syncer is implemented by stores that buffer writes and can force them
// to durable storage.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Compactor is implemented by stores that can reclaim space held by
// overwritten or deleted entries. Implementations must never lose live
// entries if compaction is interrupted.
type Compactor interface {
	Compact(ctx context.Context) error
}

// DefaultSeparator joins key segments when Options.Separator is zero.
const DefaultSeparator byte = ':'

// Options are shared by the store implementations.
type Options struct {
	// Separator joins key segments in storage. Zero means DefaultSeparator.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

func (o *Options) encode(k Key) []byte {
	s := o.sep()
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, n)
	pos := 0
	for i, seg := range k {
		if i > 0 {
			buf[pos] = s
			pos++
		}
		pos += copy(buf[pos:], seg)
	}
	return buf
}

// listPrefix returns the encoded form of a List prefix. A separator is
// appended so "a:b" does not match "a:bc"; an empty prefix matches all keys.
func (o *Options) listPrefix(prefix Key) []byte {
	p := o.encode(prefix)
	if len(p) == 0 {
		return nil
	}
	return append(p, o.sep())
}

func (o *Options) decode(b []byte) Key {
	return Key(strings.Split(string(b), string(o.sep())))
}

// checkCtx reports a context that is already done so that callers see
// deadline errors before any work is attempted.
func checkCtx(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
