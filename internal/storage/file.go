package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"watchbot/internal/subscription"
	logx "watchbot/pkg/logx"
)

const (
	defaultFilePath  = "./data/subscribers.json"
	snapshotVersion  = 1
	compactThreshold = 200
)

// fileStore keeps every subscriber in memory and persists it as:
//   - <path>                  (snapshot)
//   - <prefix>.journal.jsonl  (append-only, one full subscriber per line)
//
// The journal is compacted into the snapshot every compactThreshold
// writes and on Close.
type fileStore[ID comparable] struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	subs  map[string]subscription.Subscriber[ID]
	order []string

	writes int
}

type snapshot[ID comparable] struct {
	Version     int                           `json:"version"`
	Subscribers []subscription.Subscriber[ID] `json:"subscribers"`
}

func openFile[ID comparable](cfg Config, log logx.Logger) (Store[ID], error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultFilePath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	journalPath := filepath.Join(dir, base+".journal.jsonl")

	st := &fileStore[ID]{
		log:          log,
		snapshotPath: path,
		subs:         map[string]subscription.Subscriber[ID]{},
	}
	if err := st.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	replayed, corrupt, err := st.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal %s: %w", journalPath, err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf
	if replayed > 0 || corrupt > 0 {
		st.mu.Lock()
		err := st.compactLocked()
		st.mu.Unlock()
		if err != nil {
			// Appending after a torn line would corrupt the next record too.
			if corrupt > 0 {
				_ = jf.Close()
				return nil, fmt.Errorf("compact journal %s: %w", journalPath, err)
			}
			log.Warn("journal compact failed", logx.Err(err))
		}
	}
	log.Info("file store opened", logx.String("path", path), logx.Int("subscribers", len(st.order)), logx.Int("replayed", replayed))
	return st, nil
}

func (s *fileStore[ID]) Get(ctx context.Context, id ID) (subscription.Subscriber[ID], error) {
	if err := ctx.Err(); err != nil {
		return subscription.Subscriber[ID]{}, err
	}
	key, err := clientKey(id)
	if err != nil {
		return subscription.Subscriber[ID]{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return subscription.Subscriber[ID]{}, ErrClosed
	}
	sub, ok := s.subs[key]
	if !ok {
		sub = subscription.New(id)
		if err := s.putLocked(key, sub); err != nil {
			return subscription.Subscriber[ID]{}, err
		}
	}
	return sub.Clone(), nil
}

func (s *fileStore[ID]) Save(ctx context.Context, sub subscription.Subscriber[ID]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := clientKey(sub.ID)
	if err != nil {
		return err
	}
	sub = sub.Clone()
	sub.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.putLocked(key, sub)
}

func (s *fileStore[ID]) List(ctx context.Context) ([]subscription.Subscriber[ID], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]subscription.Subscriber[ID], 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.subs[k].Clone())
	}
	return out, nil
}

func (s *fileStore[ID]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

// putLocked journals the record first; memory is updated only when the
// write succeeded.
// A failed write is cut off again so it cannot prefix the next record.
func (s *fileStore[ID]) putLocked(key string, sub subscription.Subscriber[ID]) error {
	rec, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	rec = append(rec, '\n')
	fi, err := s.journal.Stat()
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(rec); err != nil {
		if terr := s.journal.Truncate(fi.Size()); terr != nil {
			s.log.Error("journal rollback failed", logx.Err(terr))
			return errors.Join(err, terr)
		}
		return err
	}
	if _, ok := s.subs[key]; !ok {
		s.order = append(s.order, key)
	}
	s.subs[key] = sub
	s.writes++
	if s.writes%compactThreshold == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore[ID]) compactLocked() error {
	snap := snapshot[ID]{Version: snapshotVersion, Subscribers: make([]subscription.Subscriber[ID], 0, len(s.order))}
	keys := append([]string(nil), s.order...)
	sort.Strings(keys)
	for _, k := range keys {
		snap.Subscribers = append(snap.Subscribers, s.subs[k])
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore[ID]) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot[ID]
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	for _, sub := range snap.Subscribers {
		s.apply(sub)
	}
	return nil
}

// replayJournal applies every intact journal line and counts the corrupt
// ones. A torn last line after a crash is expected.
func (s *fileStore[ID]) replayJournal(path string) (replayed, corrupt int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var sub subscription.Subscriber[ID]
		if err := json.Unmarshal(line, &sub); err != nil {
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			corrupt++
			continue
		}
		s.apply(sub)
		replayed++
	}
	return replayed, corrupt, sc.Err()
}

func (s *fileStore[ID]) apply(sub subscription.Subscriber[ID]) {
	key, err := clientKey(sub.ID)
	if err != nil {
		return
	}
	sub.Normalize()
	if _, ok := s.subs[key]; !ok {
		s.order = append(s.order, key)
	}
	s.subs[key] = sub
}
