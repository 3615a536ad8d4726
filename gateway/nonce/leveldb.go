package nonce

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"

	pruneInterval = time.Minute
)

// LevelDBStore keeps recorded nonces on disk so a restarted gateway still
// rejects replays inside the window. LevelDB locks its directory, so the
// mutex below is enough to make check-and-record atomic.
type LevelDBStore struct {
	db    *leveldb.DB
	ttl   time.Duration
	nowFn func() time.Time

	mu         sync.Mutex
	lastPruned time.Time
}

// NewLevelDBStore opens (or creates) a LevelDB database at path.
func NewLevelDBStore(path string, ttl time.Duration, nowFn func() time.Time) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &LevelDBStore{db: db, ttl: ttl, nowFn: nowFn}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Check implements Store.
func (s *LevelDBStore) Check(ctx context.Context, keyIdentifier, nonce string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("%w: leveldb store not configured", ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.nowFn().UTC()
	composite := Key(keyIdentifier, nonce)
	nonceKey := []byte(nonceKeyPrefix + composite)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pruneLocked(ctx, now); err != nil {
		return false, err
	}
	existing, err := s.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("%w: load nonce: %v", ErrUnavailable, err)
	default:
		observed := time.Unix(0, int64(binary.BigEndian.Uint64(existing)))
		if now.Sub(observed) <= s.ttl {
			return false, nil
		}
	}

	batch := new(leveldb.Batch)
	nanos := now.UnixNano()
	if existing != nil {
		batch.Delete([]byte(observedKey(int64(binary.BigEndian.Uint64(existing)), composite)))
	}
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("%w: record nonce: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Prune deletes entries observed before cutoff.
func (s *LevelDBStore) Prune(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneBefore(ctx, cutoff)
}

// RunPruner deletes expired entries every interval until ctx is cancelled, so
// an idle store does not keep stale nonces on disk.
func (s *LevelDBStore) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = pruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.nowFn().UTC()
			if err := s.pruneBefore(ctx, now.Add(-s.ttl)); err == nil {
				s.lastPruned = now
			}
			s.mu.Unlock()
		}
	}
}

func (s *LevelDBStore) pruneLocked(ctx context.Context, now time.Time) error {
	if !s.lastPruned.IsZero() && now.Sub(s.lastPruned) < pruneInterval {
		return nil
	}
	if err := s.pruneBefore(ctx, now.Add(-s.ttl)); err != nil {
		return err
	}
	s.lastPruned = now
	return nil
}

func (s *LevelDBStore) pruneBefore(ctx context.Context, cutoff time.Time) error {
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: iterate observed nonces: %v", ErrUnavailable, err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("%w: prune nonces: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
