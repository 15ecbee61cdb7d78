package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/maloquacious/fcl/internal/checksum"
	"github.com/maloquacious/fcl/internal/metrics"
)

const (
	indexKey  = "all-backups"
	keyPrefix = "backup-"

	encodingRaw  = ""
	encodingZstd = "zstd"
)

func keyFor(millis int64) string {
	return keyPrefix + strconv.FormatInt(millis, 10)
}

// entry is the stored form of one snapshot. Checksum covers the uncompressed
// export.
type entry struct {
	Timestamp int64  `json:"timestamp"`
	Checksum  string `json:"checksum"`
	Size      int    `json:"size"`
	Encoding  string `json:"encoding,omitempty"`
	Data      []byte `json:"data"`
}

func (s *Store) newEntry(millis int64, data []byte) (entry, error) {
	e := entry{
		Timestamp: millis,
		Checksum:  checksum.Sum(data),
		Size:      len(data),
		Data:      data,
	}
	if s.compress {
		e.Encoding = encodingZstd
		e.Data = s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	return e, nil
}

func (e entry) marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot entry: %w", err)
	}
	return raw, nil
}

func (e entry) info(key string) Info {
	return Info{
		Key:       key,
		Timestamp: time.UnixMilli(e.Timestamp),
		Checksum:  e.Checksum,
		Size:      e.Size,
		Stored:    len(e.Data),
	}
}

// payload decodes and verifies the export held by e.
func (s *Store) payload(e entry) ([]byte, error) {
	var data []byte
	switch e.Encoding {
	case encodingRaw:
		data = e.Data
	case encodingZstd:
		var err error
		data, err = s.dec.DecodeAll(e.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrChecksumMismatch, err)
		}
	default:
		return nil, fmt.Errorf("unknown snapshot encoding %q", e.Encoding)
	}

	if !checksum.Verify(data, e.Checksum) {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, e.Checksum, checksum.Sum(data))
	}
	return data, nil
}

func readIndex(txn *badger.Txn) ([]string, error) {
	item, err := txn.Get([]byte(indexKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot index: %w", err)
	}

	var index []string
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &index)
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot index: %w", err)
	}
	return index, nil
}

func writeIndex(txn *badger.Txn, index []string) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode snapshot index: %w", err)
	}
	if err := txn.Set([]byte(indexKey), raw); err != nil {
		return fmt.Errorf("write snapshot index: %w", err)
	}
	return nil
}

func readEntry(txn *badger.Txn, key string) (entry, error) {
	var e entry
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return e, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return e, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return e, nil
}

func captured(kept, size int) {
	metrics.SnapshotCapturesTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.SnapshotBytes.Set(float64(size))
	retained(kept)
}

func retained(n int) {
	metrics.SnapshotsRetained.Set(float64(n))
}
