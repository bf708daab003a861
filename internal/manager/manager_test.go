package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"watchbot/internal/dispatch"
	"watchbot/internal/storage"
	"watchbot/internal/subscription"
	"watchbot/internal/transport"
	"watchbot/internal/transport/transporttest"
	logx "watchbot/pkg/logx"
)

type fixture struct {
	m     *Manager[int64]
	fake  *transporttest.Adapter[int64]
	store storage.Store[int64]
}

func newFixture(t *testing.T, store storage.Store[int64]) fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory[int64]()
	}
	fake := transporttest.New[int64]()
	d := dispatch.New[int64](fake, dispatch.Config{RatePerSec: 10000, SendTimeout: time.Second}, logx.Nop(), nil, nil)
	m, err := New(Deps[int64]{Adapter: fake, Store: store, Dispatcher: d, Log: logx.Nop()}, Config{Workers: 4, QueueSize: 16, NotifyWorkers: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{m: m, fake: fake, store: store}
}

func (f fixture) subscribe(t *testing.T, id int64, args string) {
	t.Helper()
	f.m.OnInboundMessage(context.Background(), id, "subscribe "+args)
}

func TestNewRequiresAdapterAndStore(t *testing.T) {
	if _, err := New(Deps[int64]{Store: storage.NewMemory[int64]()}, Config{}); err == nil {
		t.Fatalf("expected error without adapter")
	}
	if _, err := New(Deps[int64]{Adapter: transporttest.New[int64]()}, Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestBlankInboundIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.m.OnInboundMessage(context.Background(), 1, "  \n\t")
	if n := len(f.fake.Sent()); n != 0 {
		t.Fatalf("sent %d replies to blank input", n)
	}
	if list, _ := f.store.List(context.Background()); len(list) != 0 {
		t.Fatalf("blank input created a subscriber: %+v", list)
	}
}

func TestReplyIsSentAfterPersist(t *testing.T) {
	f := newFixture(t, nil)
	var persisted bool
	f.fake.FailText = func(to int64, _ string, _ transport.SendOptions) error {
		s, _ := f.store.Get(context.Background(), to)
		persisted = len(s.Subscriptions) == 1
		return nil
	}
	f.subscribe(t, 42, "https://example.com/x include:bike")
	sent := f.fake.SentTo(42)
	if len(sent) != 1 {
		t.Fatalf("confirmations = %d, want 1", len(sent))
	}
	if !persisted {
		t.Fatalf("reply was sent before the subscription was stored")
	}
}

func TestListSendsListing(t *testing.T) {
	f := newFixture(t, nil)
	f.m.OnInboundMessage(context.Background(), 3, "list")
	sent := f.fake.SentTo(3)
	if len(sent) != 1 || sent[0].Text != dispatch.ListingHeader {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].Options.ParseMode != transport.ParseMarkdownV2 || !sent[0].Options.DisablePreview {
		t.Fatalf("listing options = %+v", sent[0].Options)
	}
}

type panickyStore struct{ storage.Store[int64] }

func (panickyStore) Get(context.Context, int64) (subscription.Subscriber[int64], error) {
	panic("boom")
}

func TestPanicTurnsIntoGenericReply(t *testing.T) {
	f := newFixture(t, panickyStore{storage.NewMemory[int64]()})
	f.m.OnInboundMessage(context.Background(), 9, "list")
	sent := f.fake.SentTo(9)
	if len(sent) != 1 || sent[0].Text != genericErrorReply {
		t.Fatalf("sent = %+v", sent)
	}
	// The lock must have been released by the panic path.
	if n := f.m.locks.len(); n != 0 {
		t.Fatalf("locks held after panic: %d", n)
	}
}

func TestNotifyPictureFallbackSendsTextOnce(t *testing.T) {
	for _, textFails := range []bool{false, true} {
		t.Run(fmt.Sprintf("textFails=%v", textFails), func(t *testing.T) {
			f := newFixture(t, nil)
			f.subscribe(t, 1, "https://example.com/x")
			f.fake.Reset()
			f.fake.FailPicture = func(int64, string, string) error {
				return transport.DeliveryError("send photo", errors.New("failed to get HTTP URL content"))
			}
			if textFails {
				f.fake.FailText = func(int64, string, transport.SendOptions) error {
					return transport.DeliveryError("send", errors.New("timeout"))
				}
			}

			outs, err := f.m.Notify(context.Background(), subscription.ByClient[int64](1), "new bike", "https://example.com/p.jpg")
			if err != nil {
				t.Fatalf("Notify: %v", err)
			}
			var pics, texts int
			for _, s := range f.fake.Sent() {
				if s.Picture {
					pics++
					continue
				}
				texts++
				if s.Text != "new bike" {
					t.Fatalf("fallback text = %q", s.Text)
				}
			}
			if pics != 1 || texts != 1 {
				t.Fatalf("pictures=%d texts=%d, want 1 and 1", pics, texts)
			}
			want := dispatch.Degraded
			if textFails {
				want = dispatch.Failed
			}
			if len(outs) != 1 || outs[0].Status != want || outs[0].Kind != dispatch.KindPicture {
				t.Fatalf("outcomes = %+v", outs)
			}
		})
	}
}

func TestNotifyMatchingListingAndPartialFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.subscribe(t, 1, "https://example.com/bikes include:cargo")
	f.subscribe(t, 2, "https://example.com/bikes")
	f.subscribe(t, 3, "https://example.com/bikes exclude:cargo")
	f.subscribe(t, 4, "https://example.com/flats")
	f.subscribe(t, 5, "https://example.com/bikes")
	f.m.OnInboundMessage(context.Background(), 5, "disable https://example.com/bikes")
	f.fake.Reset()
	f.fake.FailText = func(to int64, _ string, _ transport.SendOptions) error {
		if to == 2 {
			return transport.DeliveryError("send", errors.New("bot was blocked by the user"))
		}
		return nil
	}

	sel := subscription.MatchingListing[int64]("https://example.com/bikes", "Cargo bike, barely used")
	outs, err := f.m.Notify(context.Background(), sel, "Cargo bike", "")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := map[int64]dispatch.Status{}
	for _, o := range outs {
		got[o.ClientID] = o.Status
	}
	want := map[int64]dispatch.Status{1: dispatch.Delivered, 2: dispatch.Failed}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	for _, s := range f.fake.Sent() {
		if s.Options.ParseMode != transport.ParsePlain || s.Options.DisablePreview {
			t.Fatalf("notification options = %+v", s.Options)
		}
	}
}

type brokenListStore struct{ storage.Store[int64] }

func (brokenListStore) List(context.Context) ([]subscription.Subscriber[int64], error) {
	return nil, errors.New("db gone")
}

func TestNotifyListFailure(t *testing.T) {
	f := newFixture(t, brokenListStore{storage.NewMemory[int64]()})
	if _, err := f.m.Notify(context.Background(), nil, "x", ""); !errors.Is(err, subscription.ErrStorage) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentDirectCallsSameClient(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.m.OnInboundMessage(context.Background(), 7, fmt.Sprintf("subscribe https://example.com/q%d", i))
		}(i)
	}
	wg.Wait()
	s, _ := f.store.Get(context.Background(), 7)
	if len(s.Subscriptions) != 40 {
		t.Fatalf("subscriptions = %d, want 40", len(s.Subscriptions))
	}
	if n := len(f.fake.SentTo(7)); n != 40 {
		t.Fatalf("confirmations = %d, want 40", n)
	}
}

// refModel applies commands addressed by URL the way the processor does.
type refModel map[string]bool

func (m refModel) apply(cmd, u string) {
	switch cmd {
	case "subscribe":
		if _, ok := m[u]; !ok {
			m[u] = true
		}
	case "unsubscribe":
		delete(m, u)
	case "enable", "disable":
		if _, ok := m[u]; ok {
			m[u] = cmd == "enable"
		}
	}
}

func TestConcurrentClientsMatchReferenceModel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const clients = 12
	cmds := []string{"subscribe", "unsubscribe", "enable", "disable"}
	models := make([]refModel, clients)
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		models[c] = refModel{}
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(c)))
			for i := 0; i < 60; i++ {
				cmd := cmds[rng.Intn(len(cmds))]
				u := fmt.Sprintf("https://example.com/q%d", rng.Intn(5))
				models[c].apply(cmd, u)
				if !f.fake.Receive(int64(c), cmd+" "+u) {
					t.Errorf("client %d: adapter not started", c)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.m.Close(cctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !f.fake.Stopped {
		t.Fatalf("adapter not stopped")
	}

	for c := 0; c < clients; c++ {
		s, _ := f.store.Get(ctx, int64(c))
		got := map[string]bool{}
		for _, sub := range s.Subscriptions {
			got[sub.QueryURL] = sub.Enabled
		}
		if !reflect.DeepEqual(got, map[string]bool(models[c])) {
			t.Fatalf("client %d: store %v != model %v", c, got, models[c])
		}
	}
	if err := f.m.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

type failingStartAdapter struct{ *transporttest.Adapter[int64] }

func (failingStartAdapter) Start(context.Context, chan<- transport.Inbound[int64]) error {
	return errors.New("connection refused")
}

func TestStartFailureReleasesWorkers(t *testing.T) {
	m, err := New(Deps[int64]{Adapter: failingStartAdapter{transporttest.New[int64]()}, Store: storage.NewMemory[int64]()}, Config{Workers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if m.started || m.sup != nil {
		t.Fatalf("manager marked started after failure")
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close after failed start: %v", err)
	}
}

func TestShardOfIsStable(t *testing.T) {
	for _, id := range []int64{0, 1, 42, -7, 1 << 40} {
		a, b := shardOf(id, 8), shardOf(id, 8)
		if a != b || a < 0 || a >= 8 {
			t.Fatalf("shardOf(%d) = %d/%d", id, a, b)
		}
	}
}
