package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"watchbot/internal/subscription"
	logx "watchbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store[int64] {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store[int64]{
		"memory": func() Store[int64] { return NewMemory[int64]() },
		"file": func() Store[int64] {
			st, err := Open[int64](Config{Driver: "file", Path: filepath.Join(dir, "subs.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func() Store[int64] {
			st, err := Open[int64](Config{Driver: "sqlite", Path: filepath.Join(dir, "subs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func sampleSub() subscription.Subscription {
	return subscription.Subscription{
		Title:           "flats",
		QueryURL:        "https://example.com/flats",
		IncludeKeywords: []string{"balcony"},
		ExcludeKeywords: []string{},
		Enabled:         true,
	}
}

func TestStoreGetCreatesSaveAndList(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			s, err := st.Get(ctx, 42)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if s.ID != 42 || s.Subscriptions == nil || len(s.Subscriptions) != 0 {
				t.Fatalf("fresh subscriber = %+v", s)
			}

			s.Subscriptions = append(s.Subscriptions, sampleSub())
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := st.Get(ctx, 42)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(got.Subscriptions) != 1 || got.Subscriptions[0].Title != "flats" {
				t.Fatalf("after save = %+v", got)
			}

			if _, err := st.Get(ctx, 7); err != nil {
				t.Fatalf("Get 7: %v", err)
			}
			all, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("List len = %d", len(all))
			}
		})
	}
}

func TestStoreListReturnsCopies(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			s := subscription.New[int64](1)
			s.Subscriptions = append(s.Subscriptions, sampleSub())
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("Save: %v", err)
			}
			list, _ := st.List(ctx)
			list[0].Subscriptions[0].Title = "mutated"
			list[0].Subscriptions[0].IncludeKeywords[0] = "mutated"

			got, _ := st.Get(ctx, 1)
			if got.Subscriptions[0].Title != "flats" || got.Subscriptions[0].IncludeKeywords[0] != "balcony" {
				t.Fatalf("store leaked internal state: %+v", got)
			}
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if _, err := st.Get(context.Background(), 1); !errors.Is(err, ErrClosed) {
				t.Fatalf("Get after close = %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("second Close: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subs.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open[int64](cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := subscription.New[int64](42)
	s.Subscriptions = append(s.Subscriptions, sampleSub())
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	st, err = Open[int64](cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Subscriptions) != 1 || got.Subscriptions[0].QueryURL != "https://example.com/flats" {
		t.Fatalf("after reopen = %+v", got)
	}
}

func TestFileStoreReplaysJournalAfterCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "subs.json")

	st, err := Open[string](Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := subscription.New("alice")
	s.Subscriptions = append(s.Subscriptions, sampleSub())
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Simulate a crash: no Close, plus a torn trailing line.
	f, err := os.OpenFile(filepath.Join(dir, "subs.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"id":"bob","subscr`)
	_ = f.Close()

	st2, err := Open[string](Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	list, err := st2.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "alice" || len(list[0].Subscriptions) != 1 {
		t.Fatalf("replayed = %+v", list)
	}
}

func TestFileStoreSaveAfterTornJournalSurvivesCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "subs.json")
	journal := filepath.Join(dir, "subs.journal.jsonl")

	st, err := Open[int64](Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.Get(ctx, 42); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// A crash in the middle of an append leaves a partial record.
	if err := os.WriteFile(journal, []byte(`{"id":7,"subscripti`), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	st2, err := Open[int64](Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s, err := st2.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s.Subscriptions = append(s.Subscriptions, sampleSub())
	if err := st2.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(journal)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if strings.Contains(string(raw), "subscripti{") {
		t.Fatalf("record appended onto torn line: %s", raw)
	}

	// Crash again: no Close on st2.
	st3, err := Open[int64](Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer st3.Close()
	got, err := st3.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Subscriptions) != 1 || got.Subscriptions[0].Title != "flats" {
		t.Fatalf("acknowledged save lost: %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open[int64](Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
