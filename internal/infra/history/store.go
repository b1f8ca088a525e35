package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

var ErrStoreClosed = errors.New("history store is closed")

// Store is an append-only route and execution log backed by bbolt. Each bucket
// keeps at most maxRecords entries; the oldest are dropped first.
type Store struct {
	mu         sync.RWMutex
	db         *bolt.DB
	path       string
	maxRecords int
	logger     *zap.Logger
	now        func() time.Time
	closed     bool
}

var _ domain.HistoryRecorder = (*Store)(nil)

func OpenStore(path string, maxRecords int, logger *zap.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("history path is required")
	}
	if maxRecords <= 0 {
		maxRecords = domain.DefaultHistoryRecords
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history dir: %w", err)
	}
	base, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := ensureSchema(base); err != nil {
		_ = base.Close()
		return nil, err
	}
	return &Store{
		db:         base,
		path:       trimmed,
		maxRecords: maxRecords,
		logger:     logger.Named("history"),
		now:        time.Now,
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RecordRoute appends a routing outcome, filling the id and timestamp when unset.
func (s *Store) RecordRoute(_ context.Context, record domain.RouteRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = s.now().UTC()
	}
	return s.append(routesBucketName, record)
}

// RecordExecution appends a dynamic tool execution outcome.
func (s *Store) RecordExecution(_ context.Context, record domain.ExecutionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = s.now().UTC()
	}
	return s.append(executionsBucketName, record)
}

// Routes returns up to limit route records, newest first. A non-positive limit
// returns everything retained.
func (s *Store) Routes(limit int) ([]domain.RouteRecord, error) {
	var out []domain.RouteRecord
	err := s.scan(routesBucketName, limit, func(value []byte) error {
		var record domain.RouteRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("decode route record: %w", err)
		}
		out = append(out, record)
		return nil
	})
	return out, err
}

// Executions returns up to limit execution records, newest first.
func (s *Store) Executions(limit int) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	err := s.scan(executionsBucketName, limit, func(value []byte) error {
		var record domain.ExecutionRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("decode execution record: %w", err)
		}
		out = append(out, record)
		return nil
	})
	return out, err
}

func (s *Store) append(bucketName string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", bucketName, err)
	}
	var trimmed int
	err = s.update(func(tx *bolt.Tx) error {
		bucket, err := recordBucket(tx, bucketName)
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next %s sequence: %w", bucketName, err)
		}
		if err := bucket.Put(sequenceKey(seq), data); err != nil {
			return fmt.Errorf("put %s record: %w", bucketName, err)
		}
		trimmed, err = trim(bucket, seq, s.maxRecords)
		return err
	})
	if err != nil {
		return err
	}
	if trimmed > 0 {
		s.logger.Debug("history trimmed", zap.String("bucket", bucketName), zap.Int("removed", trimmed))
	}
	return nil
}

// trim drops every entry at or below newest-max. Keys are big-endian sequences,
// so cursor order is insertion order.
func trim(bucket *bolt.Bucket, newest uint64, max int) (int, error) {
	if newest <= uint64(max) {
		return 0, nil
	}
	cutoff := newest - uint64(max)
	removed := 0
	cursor := bucket.Cursor()
	for key, _ := cursor.First(); key != nil; key, _ = cursor.First() {
		if len(key) != 8 || binary.BigEndian.Uint64(key) > cutoff {
			break
		}
		if err := cursor.Delete(); err != nil {
			return removed, fmt.Errorf("trim history: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) scan(bucketName string, limit int, fn func([]byte) error) error {
	return s.view(func(tx *bolt.Tx) error {
		bucket, err := recordBucket(tx, bucketName)
		if err != nil {
			return err
		}
		cursor := bucket.Cursor()
		count := 0
		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			if limit > 0 && count >= limit {
				break
			}
			if err := fn(value); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

func sequenceKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
