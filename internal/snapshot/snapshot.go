// Package snapshot keeps a bounded history of checksummed database exports
// in an embedded BadgerDB key-value area.
//
// Layout:
//
//	all-backups       -> JSON list of snapshot keys, oldest first
//	backup-<millis>   -> JSON entry {timestamp, checksum, size, encoding, data}
//
// Every write of the index happens in the same transaction as the entry
// writes and evictions it describes, so the index never names a missing
// entry and no entry outlives its index slot.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/maloquacious/fcl/internal/logger"
	"github.com/maloquacious/fcl/internal/metrics"
)

// DefaultMax is the number of snapshots retained when Config.Max is unset.
const DefaultMax = 10

var (
	// ErrNotFound is returned when a snapshot key is not in the index.
	ErrNotFound = errors.New("snapshot not found")
	// ErrChecksumMismatch is returned when a stored payload no longer matches
	// the checksum recorded at capture time.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("snapshot store closed")
	// ErrTooLarge is returned when an entry does not fit one BadgerDB
	// transaction.
	ErrTooLarge = errors.New("snapshot too large")
)

// Exporter produces a full serialized copy of the live database.
type Exporter interface {
	Export(ctx context.Context) ([]byte, error)
}

// Replacer swaps the live database content for an exported payload.
type Replacer interface {
	Replace(ctx context.Context, payload []byte) error
}

// Info describes a stored snapshot.
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
	// Size is the length of the uncompressed export.
	Size int `json:"size"`
	// Stored is the number of payload bytes held in the key-value area.
	Stored int `json:"stored"`
}

// Config holds configuration for a snapshot Store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps the snapshot area in RAM. Useful for testing.
	InMemory bool

	// Max is the retention bound. Zero means DefaultMax.
	Max int

	// Compress stores payloads zstd-compressed. Each snapshot is written in a
	// single BadgerDB transaction, which is capped at about 15% of the memtable
	// size (about 9.6 MB with the defaults). Exports larger than that fail
	// with ErrTooLarge unless they compress below the cap.
	Compress bool

	// Logger receives store and BadgerDB events. Nil disables logging.
	Logger logger.Logger
}

// Store is the snapshot area.
type Store struct {
	db       *badger.DB
	max      int
	compress bool
	logger   logger.Logger
	now      func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	// mu serializes index read-modify-write cycles.
	mu     sync.Mutex
	closed bool
}

// badgerLogger adapts logger.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates and opens a snapshot Store. The directory is created if it
// doesn't exist.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent snapshot store")
	}
	if cfg.Max < 0 {
		return nil, fmt.Errorf("max snapshots must not be negative, got %d", cfg.Max)
	}
	if cfg.Max == 0 {
		cfg.Max = DefaultMax
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	db, err := badger.Open(opts)
	if err != nil {
		enc.Close()
		dec.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &Store{
		db:       db,
		max:      cfg.Max,
		compress: cfg.Compress,
		logger:   logger.OrNop(cfg.Logger),
		now:      time.Now,
		enc:      enc,
		dec:      dec,
	}, nil
}

// Max returns the retention bound.
func (s *Store) Max() int {
	return s.max
}

// Close closes the snapshot area. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.logger.Warn("close zstd encoder", "error", err)
	}
	return s.db.Close()
}

// Capture exports the live database through exporter and stores it as the
// newest snapshot, evicting the oldest beyond the retention bound.
func (s *Store) Capture(ctx context.Context, exporter Exporter) (_ Info, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if err != nil {
			metrics.SnapshotCapturesTotal.WithLabelValues(metrics.Fail).Inc()
		}
	}()

	if s.closed {
		return Info{}, ErrClosed
	}

	data, err := exporter.Export(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("export live database: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	e, err := s.newEntry(s.now().UnixMilli(), data)
	if err != nil {
		return Info{}, err
	}

	var (
		key     string
		evicted []string
		kept    int
	)
	err = s.db.Update(func(txn *badger.Txn) error {
		index, err := readIndex(txn)
		if err != nil {
			return err
		}

		for slices.Contains(index, keyFor(e.Timestamp)) {
			e.Timestamp++
		}
		key = keyFor(e.Timestamp)

		raw, err := e.marshal()
		if err != nil {
			return err
		}
		if limit := s.db.MaxBatchSize(); int64(len(key)+len(raw)) >= limit {
			return fmt.Errorf("%w: entry is %d bytes, limit %d", ErrTooLarge, len(key)+len(raw), limit)
		}
		if err := txn.Set([]byte(key), raw); err != nil {
			return fmt.Errorf("write snapshot %s: %w", key, err)
		}

		index = append(index, key)
		if over := len(index) - s.max; over > 0 {
			evicted = slices.Clone(index[:over])
			for _, old := range evicted {
				if err := txn.Delete([]byte(old)); err != nil {
					return fmt.Errorf("evict snapshot %s: %w", old, err)
				}
			}
			index = index[over:]
		}
		kept = len(index)
		return writeIndex(txn, index)
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		err = fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	if err != nil {
		return Info{}, fmt.Errorf("store snapshot: %w", err)
	}

	captured(kept, len(data))
	for _, old := range evicted {
		s.logger.Debug("snapshot evicted", "key", old)
	}
	s.logger.Info("snapshot captured", "key", key, "size", len(data), "stored", len(e.Data), "retained", kept)
	return e.info(key), nil
}

// List returns the stored snapshots, newest first. Entries that cannot be
// read are skipped.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var infos []Info
	err := s.db.View(func(txn *badger.Txn) error {
		index, err := readIndex(txn)
		if err != nil {
			return err
		}
		for i := len(index) - 1; i >= 0; i-- {
			e, err := readEntry(txn, index[i])
			if err != nil {
				s.logger.Warn("skipping unreadable snapshot", "key", index[i], "error", err)
				continue
			}
			infos = append(infos, e.info(index[i]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return infos, nil
}

// Load returns the verified payload stored under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, Info{}, err
	}

	var e entry
	err := s.db.View(func(txn *badger.Txn) error {
		index, err := readIndex(txn)
		if err != nil {
			return err
		}
		if !slices.Contains(index, key) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		e, err = readEntry(txn, key)
		return err
	})
	if err != nil {
		return nil, Info{}, err
	}

	data, err := s.payload(e)
	if err != nil {
		return nil, Info{}, fmt.Errorf("snapshot %s: %w", key, err)
	}
	return data, e.info(key), nil
}

// Restore verifies the snapshot stored under key and hands its payload to
// replacer. A checksum mismatch is reported as ErrChecksumMismatch before
// replacer is called.
func (s *Store) Restore(ctx context.Context, key string, replacer Replacer) error {
	data, _, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := replacer.Replace(ctx, data); err != nil {
		return fmt.Errorf("replace live database from %s: %w", key, err)
	}
	s.logger.Info("snapshot restored", "key", key)
	return nil
}

// Clear deletes every snapshot and resets the index.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var n int
	err := s.db.Update(func(txn *badger.Txn) error {
		keys, err := entryKeys(txn)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return fmt.Errorf("delete snapshot %s: %w", key, err)
			}
		}
		n = len(keys)
		return txn.Delete([]byte(indexKey))
	})
	if err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}

	retained(0)
	s.logger.Info("snapshots cleared", "deleted", n)
	return nil
}

// entryKeys returns every stored entry key, including any not in the index.
func entryKeys(txn *badger.Txn) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(keyPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().KeyCopy(nil)))
	}
	return keys, nil
}
