package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store on BadgerDB. Update maps onto badger transactions and
// Sequence onto leased badger sequences.
type Badger struct {
	db       *badger.DB
	opts     *Options
	inMemory bool

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence
}

// BadgerOptions are the settings of NewBadger.
type BadgerOptions struct {
	// Options may be nil.
	Options *Options

	// Dir holds the data files. Required unless InMemory is set.
	Dir string

	// InMemory keeps everything in RAM; nothing survives Close.
	InMemory bool

	// SyncWrites makes every commit fsync before returning.
	SyncWrites bool

	// Logger receives badger warnings and errors. If nil, slog.Default()
	// is used. Badger's info and debug chatter is dropped.
	Logger *slog.Logger
}

const (
	// updateRetries bounds how often Update re-runs a conflicting txn.
	updateRetries = 8

	// seqBandwidth is how many sequence values are leased per disk write.
	seqBandwidth = 128
)

// NewBadger opens a badger database as configured by bopts.
func NewBadger(bopts BadgerOptions) (*Badger, error) {
	if !bopts.InMemory && bopts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(bopts.Dir)
	if bopts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	logger := bopts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.
		WithSyncWrites(bopts.SyncWrites).
		WithLogger(slogAdapter{logger.With("component", "badger")})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{
		db:       db,
		opts:     bopts.Options,
		inMemory: bopts.InMemory,
		seqs:     make(map[string]*badger.Sequence),
	}, nil
}

func (b *Badger) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	k := b.opts.encode(key)
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(ctx context.Context, key Key, value []byte) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	k := b.opts.encode(key)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, value)
	})
}

func (b *Badger) Delete(ctx context.Context, key Key) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	k := b.opts.encode(key)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) List(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	prefixBytes := b.opts.listPrefix(prefix)

	return func(yield func(Entry, error) bool) {
		if err := checkCtx(ctx); err != nil {
			yield(Entry{}, err)
			return
		}
		stopped := false
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefixBytes
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
				item := it.Item()
				keyCopy := item.KeyCopy(nil)

				val, err := item.ValueCopy(nil)
				if err != nil {
					if !yield(Entry{}, err) {
						stopped = true
						return nil
					}
					continue
				}

				entry := Entry{
					Key:   b.opts.decode(keyCopy),
					Value: val,
				}
				if !yield(entry, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Entry{}, err)
		}
	}
}

func (b *Badger) BatchSet(ctx context.Context, entries []Entry) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		k := b.opts.encode(e.Key)
		if err := wb.Set(k, e.Value); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) BatchDelete(ctx context.Context, keys []Key) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		k := b.opts.encode(key)
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) Update(ctx context.Context, fn func(tx Txn) error) error {
	for attempt := 0; attempt < updateRetries; attempt++ {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			return fn(badgerTxn{txn: txn, opts: b.opts})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return ErrTxnConflict
}

// badgerTxn adapts a badger transaction to Txn.
type badgerTxn struct {
	txn  *badger.Txn
	opts *Options
}

func (t badgerTxn) Get(key Key) ([]byte, error) {
	item, err := t.txn.Get(t.opts.encode(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t badgerTxn) Set(key Key, value []byte) error {
	return t.txn.Set(t.opts.encode(key), value)
}

func (t badgerTxn) Delete(key Key) error {
	return t.txn.Delete(t.opts.encode(key))
}

func (b *Badger) Sequence(ctx context.Context, name Key) (uint64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	k := b.opts.encode(name)

	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	seq, ok := b.seqs[string(k)]
	if !ok {
		var err error
		seq, err = b.db.GetSequence(k, seqBandwidth)
		if err != nil {
			return 0, fmt.Errorf("kv: open sequence %s: %w", name, err)
		}
		b.seqs[string(k)] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// Badger sequences start at 0; callers treat 0 as "unset".
	return n + 1, nil
}

// Sync forces buffered writes to disk.
func (b *Badger) Sync(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if b.inMemory {
		return nil
	}
	return b.db.Sync()
}

// Compact flattens the LSM tree and rewrites value-log files until badger
// reports nothing left to reclaim. Badger swaps compacted tables in
// atomically, so an interrupted compaction leaves all live entries intact.
func (b *Badger) Compact(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if b.inMemory {
		return nil
	}
	if err := b.db.Flatten(2); err != nil {
		return fmt.Errorf("kv: flatten: %w", err)
	}
	for {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		err := b.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite):
			return nil
		default:
			return fmt.Errorf("kv: value log gc: %w", err)
		}
	}
}

func (b *Badger) Close() error {
	b.seqMu.Lock()
	var errs []error
	for _, seq := range b.seqs {
		if err := seq.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	b.seqs = nil
	b.seqMu.Unlock()
	errs = append(errs, b.db.Close())
	return errors.Join(errs...)
}

// slogAdapter routes badger's logger to slog, dropping info and debug
// messages which badger emits on every open and compaction.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Errorf(f string, v ...interface{}) {
	a.l.Error(fmt.Sprintf(f, v...))
}

func (a slogAdapter) Warningf(f string, v ...interface{}) {
	a.l.Warn(fmt.Sprintf(f, v...))
}

func (slogAdapter) Infof(string, ...interface{})  {}
func (slogAdapter) Debugf(string, ...interface{}) {}
