// Package mapfile implements the durable mapping store as an append-only
// JSONL log plus an in-memory index rebuilt on open.
//
// Every mutation appends one record to the active segment mappings.log;
// nothing is ever rewritten in place, so a crash can at worst lose the last
// partial line, which replay skips. When the active segment exceeds the
// configured size it is rotated to mappings-<timestamp>.log; rotated
// segments are what the archiver ships off-box.
package mapfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

const (
	activeSegment  = "mappings.log"
	segmentPrefix  = "mappings-"
	segmentSuffix  = ".log"
	rotateStamp    = "20060102T150405"
	defaultSegment = 8 << 20 // 8 MiB

	// maxLineBytes bounds replay buffering; mapping records are far smaller.
	maxLineBytes = 1 << 20
)

// Op values recorded in the log.
const (
	opPut    = "put"
	opClose  = "close"
	opDelete = "delete"
)

// record is one log line. Put carries the full mapping; close and delete
// carry only the source key.
type record struct {
	Op             string          `json:"op"`
	Mapping        *domain.Mapping `json:"mapping,omitempty"`
	SourceAccount  string          `json:"sourceAccount,omitempty"`
	SourcePosition string          `json:"sourcePosition,omitempty"`
	At             time.Time       `json:"at"`
}

// Store is the file-backed domain.MappingStore. All operations are
// mutex-protected; reads are served from the in-memory index.
type Store struct {
	dir          string
	segmentBytes int64
	logger       *slog.Logger

	mu     sync.RWMutex
	file   *os.File
	size   int64
	closed bool

	// bySource holds the latest state per source key, including closed
	// mappings until their segments age out of the directory.
	bySource map[string]domain.Mapping
	// byDest maps the destination key of every active mapping back to its
	// source key.
	byDest map[string]string
}

// Open loads all segments under dir and opens the active segment for
// appending. segmentBytes <= 0 selects the default rotation size.
func Open(dir string, segmentBytes int64, logger *slog.Logger) (*Store, error) {
	if segmentBytes <= 0 {
		segmentBytes = defaultSegment
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mapfile: create dir: %w", err)
	}

	s := &Store{
		dir:          dir,
		segmentBytes: segmentBytes,
		logger:       logger,
		bySource:     make(map[string]domain.Mapping),
		byDest:       make(map[string]string),
	}

	if err := s.replayAll(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(dir, activeSegment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mapfile: open active segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mapfile: stat active segment: %w", err)
	}

	s.file = file
	s.size = info.Size()
	return s, nil
}

// Close flushes and closes the active segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("mapfile: sync on close: %w", err)
	}
	return s.file.Close()
}

// Put stores a new active mapping. It fails with ErrDuplicateMapping when an
// active mapping already exists for the source key.
func (s *Store) Put(ctx context.Context, m domain.Mapping) error {
	if m.SourceAccount == "" || m.SourcePosition == "" {
		return fmt.Errorf("mapfile: %w: empty source key", domain.ErrValidation)
	}
	if m.Status == "" {
		m.Status = domain.MappingActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}

	key := m.SourceKey()
	if prev, ok := s.bySource[key]; ok && prev.Status == domain.MappingActive {
		return fmt.Errorf("mapfile: %s: %w", key, domain.ErrDuplicateMapping)
	}

	if err := s.append(record{Op: opPut, Mapping: &m, At: time.Now().UTC()}); err != nil {
		return err
	}

	s.bySource[key] = m
	if m.Status == domain.MappingActive {
		s.byDest[m.DestKey()] = key
	}
	return nil
}

// GetBySource returns the active mapping for a source position.
func (s *Store) GetBySource(ctx context.Context, srcAcct, srcPos string) (domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.bySource[srcAcct+"/"+srcPos]
	if !ok || m.Status != domain.MappingActive {
		return domain.Mapping{}, domain.ErrNotFound
	}
	return m, nil
}

// GetByDest returns the active mapping for a destination position. The dest
// index is exact, so hint bounding is unnecessary here.
func (s *Store) GetByDest(ctx context.Context, dstAcct, dstPos string, hints ...string) (domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byDest[dstAcct+"/"+dstPos]
	if !ok {
		return domain.Mapping{}, domain.ErrNotFound
	}
	m, ok := s.bySource[key]
	if !ok || m.Status != domain.MappingActive {
		return domain.Mapping{}, domain.ErrNotFound
	}
	return m, nil
}

// ListActiveForRoute returns all active mappings for a route, ordered by
// open time.
func (s *Store) ListActiveForRoute(ctx context.Context, routeID string) ([]domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mapping
	for _, m := range s.bySource {
		if m.RouteID == routeID && m.Status == domain.MappingActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// MarkClosed transitions an active mapping to closed. Closing an already
// closed mapping is a no-op; a missing mapping is ErrNotFound.
func (s *Store) MarkClosed(ctx context.Context, srcAcct, srcPos string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}

	key := srcAcct + "/" + srcPos
	m, ok := s.bySource[key]
	if !ok {
		return fmt.Errorf("mapfile: %s: %w", key, domain.ErrNotFound)
	}
	if m.Status != domain.MappingActive {
		return nil
	}

	now := time.Now().UTC()
	if err := s.append(record{Op: opClose, SourceAccount: srcAcct, SourcePosition: srcPos, At: now}); err != nil {
		return err
	}

	delete(s.byDest, m.DestKey())
	m.Status = domain.MappingClosed
	m.ClosedAt = now
	s.bySource[key] = m
	return nil
}

// Delete removes a mapping entirely, whatever its status.
func (s *Store) Delete(ctx context.Context, srcAcct, srcPos string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}

	key := srcAcct + "/" + srcPos
	m, ok := s.bySource[key]
	if !ok {
		return fmt.Errorf("mapfile: %s: %w", key, domain.ErrNotFound)
	}

	if err := s.append(record{Op: opDelete, SourceAccount: srcAcct, SourcePosition: srcPos, At: time.Now().UTC()}); err != nil {
		return err
	}

	if m.Status == domain.MappingActive {
		delete(s.byDest, m.DestKey())
	}
	delete(s.bySource, key)
	return nil
}

// --------------------------------------------------------------------------
// Log plumbing
// --------------------------------------------------------------------------

// append writes one record and syncs. Caller must hold s.mu. The active
// segment rotates before the write when it is full.
func (s *Store) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mapfile: marshal record: %w", err)
	}
	data = append(data, '\n')

	if s.size+int64(len(data)) > s.segmentBytes && s.size > 0 {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(data)
	if err != nil {
		return fmt.Errorf("mapfile: append: %w", err)
	}
	s.size += int64(n)

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("mapfile: sync: %w", err)
	}
	return nil
}

// rotate closes the active segment, renames it with a timestamp, and opens
// a fresh one. Caller must hold s.mu.
func (s *Store) rotate() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("mapfile: sync before rotate: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("mapfile: close before rotate: %w", err)
	}

	rotated := filepath.Join(s.dir, segmentPrefix+time.Now().UTC().Format(rotateStamp)+segmentSuffix)
	active := filepath.Join(s.dir, activeSegment)
	if err := os.Rename(active, rotated); err != nil {
		return fmt.Errorf("mapfile: rotate: %w", err)
	}

	file, err := os.OpenFile(active, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("mapfile: open fresh segment: %w", err)
	}

	s.file = file
	s.size = 0
	s.logger.Info("rotated mapping log segment", "segment", filepath.Base(rotated))
	return nil
}

// replayAll rebuilds the index from every segment on disk: rotated segments
// in name order (timestamps sort lexically), then the active segment.
func (s *Store) replayAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("mapfile: read dir: %w", err)
	}

	var segments []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			segments = append(segments, name)
		}
	}
	sort.Strings(segments)
	segments = append(segments, activeSegment)

	for _, name := range segments {
		if err := s.replaySegment(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// replaySegment applies one segment's records to the index. Unparseable
// lines (a torn tail after a crash) are skipped with a warning.
func (s *Store) replaySegment(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("mapfile: open segment %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping bad mapping record", "segment", filepath.Base(path), "line", line, "error", err)
			continue
		}

		s.apply(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mapfile: scan segment %s: %w", filepath.Base(path), err)
	}
	return nil
}

// apply folds one record into the index during replay.
func (s *Store) apply(rec record) {
	switch rec.Op {
	case opPut:
		if rec.Mapping == nil {
			return
		}
		m := *rec.Mapping
		if m.Status == "" {
			m.Status = domain.MappingActive
		}
		key := m.SourceKey()
		if prev, ok := s.bySource[key]; ok && prev.Status == domain.MappingActive {
			delete(s.byDest, prev.DestKey())
		}
		s.bySource[key] = m
		if m.Status == domain.MappingActive {
			s.byDest[m.DestKey()] = key
		}

	case opClose:
		key := rec.SourceAccount + "/" + rec.SourcePosition
		m, ok := s.bySource[key]
		if !ok || m.Status != domain.MappingActive {
			return
		}
		delete(s.byDest, m.DestKey())
		m.Status = domain.MappingClosed
		m.ClosedAt = rec.At
		s.bySource[key] = m

	case opDelete:
		key := rec.SourceAccount + "/" + rec.SourcePosition
		m, ok := s.bySource[key]
		if !ok {
			return
		}
		if m.Status == domain.MappingActive {
			delete(s.byDest, m.DestKey())
		}
		delete(s.bySource, key)
	}
}
