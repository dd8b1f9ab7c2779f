// Package file stores the audit log as one JSONL file per shard with a
// human-readable companion file next to it.
//
// Layout for shard "2026-10-15" under dir:
//
//	2026-10-15.jsonl  one JSON event per line, the authoritative record
//	2026-10-15.log    ts|kind|actor|subject|seq|digest
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tracerun/internal/audit"
	"tracerun/pkg/platform/sentinel"
)

const (
	jsonlExt     = ".jsonl"
	companionExt = ".log"
	maxLineBytes = 4 << 20
)

// Store is a ShardStore over a directory. Every append is fsynced before it
// returns.
type Store struct {
	dir string

	mu        sync.Mutex
	shard     string
	jsonl     *os.File
	companion *os.File

	// head is the last committed seq once headKnown is set.
	head      uint64
	headKnown bool
	// bySubject maps a subject to its seqs; built on first lookup.
	bySubject map[string][]uint64
}

// New opens (creating if needed) the audit directory.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Append writes the companion line first and the JSONL line last; the JSONL
// line is the commit point. A failed JSONL write is truncated away.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.headKnown {
		last, ok, err := s.Last(ctx)
		if err != nil {
			return err
		}
		s.head, s.headKnown = 0, true
		if ok {
			s.head = last.Seq
		}
	}
	if e.Seq != s.head+1 {
		return fmt.Errorf("audit seq %d, next free is %d: %w", e.Seq, s.head+1, sentinel.ErrConflict)
	}

	if err := s.openShard(e.Shard); err != nil {
		return err
	}

	if _, err := s.companion.WriteString(companionLine(e)); err != nil {
		return fmt.Errorf("write audit companion: %w", err)
	}
	if err := s.companion.Sync(); err != nil {
		return fmt.Errorf("sync audit companion: %w", err)
	}

	info, err := s.jsonl.Stat()
	if err != nil {
		return fmt.Errorf("stat audit shard: %w", err)
	}
	if _, err := s.jsonl.Write(line); err != nil {
		_ = s.jsonl.Truncate(info.Size())
		return fmt.Errorf("write audit shard: %w", err)
	}
	if err := s.jsonl.Sync(); err != nil {
		_ = s.jsonl.Truncate(info.Size())
		return fmt.Errorf("sync audit shard: %w", err)
	}
	s.head = e.Seq
	if s.bySubject != nil {
		s.bySubject[e.Subject] = append(s.bySubject[e.Subject], e.Seq)
	}
	return nil
}

func companionLine(e audit.Event) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s\n",
		e.OccurredAt.UTC().Format(time.RFC3339Nano), e.Kind, e.Actor, e.Subject, e.Seq, e.Digest)
}

func (s *Store) openShard(shard string) error {
	if shard == "" {
		return fmt.Errorf("audit event has no shard")
	}
	if strings.ContainsAny(shard, `/\`) || shard == "." || shard == ".." {
		return fmt.Errorf("invalid shard name %q", shard)
	}
	if s.shard == shard && s.jsonl != nil {
		return nil
	}
	if err := s.closeFiles(); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	jsonl, err := os.OpenFile(filepath.Join(s.dir, shard+jsonlExt), flags, 0o640)
	if err != nil {
		return fmt.Errorf("open audit shard: %w", err)
	}
	companion, err := os.OpenFile(filepath.Join(s.dir, shard+companionExt), flags, 0o640)
	if err != nil {
		_ = jsonl.Close()
		return fmt.Errorf("open audit companion: %w", err)
	}
	s.shard, s.jsonl, s.companion = shard, jsonl, companion
	return nil
}

func (s *Store) closeFiles() error {
	var firstErr error
	for _, f := range []*os.File{s.jsonl, s.companion} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close audit shard: %w", err)
		}
	}
	s.shard, s.jsonl, s.companion = "", nil, nil
	return firstErr
}

// Close releases the open shard files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFiles()
}

func (s *Store) Last(ctx context.Context) (audit.Event, bool, error) {
	shards, err := s.shards()
	if err != nil {
		return audit.Event{}, false, err
	}
	for i := len(shards) - 1; i >= 0; i-- {
		var (
			last  audit.Event
			found bool
		)
		for e, err := range readShard(ctx, shards[i].path) {
			if err != nil {
				return audit.Event{}, false, err
			}
			last, found = e, true
		}
		if found {
			return last, true, nil
		}
	}
	return audit.Event{}, false, nil
}

func (s *Store) Scan(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		shards, err := s.shards()
		if err != nil {
			yield(audit.Event{}, err)
			return
		}
		for i, sh := range shards {
			// Skip whole shards that end before fromSeq.
			if i+1 < len(shards) && shards[i+1].firstSeq != 0 && shards[i+1].firstSeq <= fromSeq {
				continue
			}
			for e, err := range readShard(ctx, sh.path) {
				if err != nil {
					yield(audit.Event{}, err)
					return
				}
				if e.Seq < fromSeq {
					continue
				}
				if toSeq != 0 && e.Seq > toSeq {
					return
				}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// ScanSubjects looks subjects up in an in-memory seq index and reads only
// the span of shards that holds their events.
func (s *Store) ScanSubjects(ctx context.Context, subjects []string) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		want, lo, hi, err := s.subjectSpan(ctx, subjects)
		if err != nil {
			yield(audit.Event{}, err)
			return
		}
		if lo == 0 {
			return
		}
		for e, err := range s.Scan(ctx, lo, hi) {
			if err != nil {
				yield(audit.Event{}, err)
				return
			}
			if _, ok := want[e.Subject]; !ok {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// subjectSpan returns the subject set and the lowest and highest seq
// recorded for any of them; lo is 0 when none has events.
func (s *Store) subjectSpan(ctx context.Context, subjects []string) (map[string]struct{}, uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bySubject == nil {
		index := make(map[string][]uint64)
		for e, err := range s.Scan(ctx, 1, 0) {
			if err != nil {
				return nil, 0, 0, err
			}
			index[e.Subject] = append(index[e.Subject], e.Seq)
		}
		s.bySubject = index
	}

	want := make(map[string]struct{}, len(subjects))
	var lo, hi uint64
	for _, subject := range subjects {
		want[subject] = struct{}{}
		seqs := s.bySubject[subject]
		if len(seqs) == 0 {
			continue
		}
		if lo == 0 || seqs[0] < lo {
			lo = seqs[0]
		}
		if last := seqs[len(seqs)-1]; last > hi {
			hi = last
		}
	}
	return want, lo, hi, nil
}

type shardFile struct {
	path     string
	firstSeq uint64
}

// shards lists shard files ordered by their first sequence number. Empty
// shards sort first.
func (s *Store) shards() ([]shardFile, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+jsonlExt))
	if err != nil {
		return nil, fmt.Errorf("list audit shards: %w", err)
	}
	out := make([]shardFile, 0, len(matches))
	for _, path := range matches {
		first, err := firstSeq(path)
		if err != nil {
			return nil, err
		}
		out = append(out, shardFile{path: path, firstSeq: first})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].firstSeq == out[j].firstSeq {
			return out[i].path < out[j].path
		}
		return out[i].firstSeq < out[j].firstSeq
	})
	return out, nil
}

func firstSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audit shard: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	if !sc.Scan() {
		return 0, sc.Err()
	}
	var head struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.Unmarshal(sc.Bytes(), &head); err != nil {
		return 0, fmt.Errorf("decode audit shard %s: %w", filepath.Base(path), err)
	}
	return head.Seq, nil
}

func readShard(ctx context.Context, path string) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(audit.Event{}, fmt.Errorf("open audit shard: %w", err))
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		line := 0
		for sc.Scan() {
			line++
			if err := ctx.Err(); err != nil {
				yield(audit.Event{}, err)
				return
			}
			if len(sc.Bytes()) == 0 {
				continue
			}
			var e audit.Event
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				yield(audit.Event{}, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), line, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(audit.Event{}, fmt.Errorf("read audit shard: %w", err))
		}
	}
}
