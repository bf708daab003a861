// Package manager bridges a transport adapter to the command processor
// and exposes Notify to the crawler. It is generic over the client id so
// every transport shares the same subscription and delivery logic.
package manager

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"watchbot/internal/command"
	"watchbot/internal/dispatch"
	"watchbot/internal/metrics"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/storage"
	"watchbot/internal/subscription"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const genericErrorReply = "Something went wrong while handling your message. Please try again later."

var ErrClosed = errors.New("manager closed")

type Config struct {
	// Workers is the number of inbound shards. Messages of one client
	// always land on the same shard.
	Workers       int `json:"workers"`
	QueueSize     int `json:"queue_size"`
	NotifyWorkers int `json:"notify_workers"`
}

type Deps[ID comparable] struct {
	Adapter    transport.Adapter[ID]
	Store      storage.Store[ID]
	Processor  *command.Processor[ID]
	Dispatcher *dispatch.Dispatcher[ID]
	Log        logx.Logger
	Metrics    *metrics.Metrics
}

type Manager[ID comparable] struct {
	adapter    transport.Adapter[ID]
	store      storage.Store[ID]
	processor  *command.Processor[ID]
	dispatcher *dispatch.Dispatcher[ID]
	log        logx.Logger
	metrics    *metrics.Metrics
	cfg        Config

	locks *keyedMutex[ID]

	mu        sync.Mutex
	started   bool
	closed    bool
	sup       *rtsup.Supervisor
	stopRoute chan struct{}
}

// New validates the dependencies. Nothing is acquired until Start.
func New[ID comparable](d Deps[ID], cfg Config) (*Manager[ID], error) {
	if d.Adapter == nil {
		return nil, errors.New("manager: adapter is required")
	}
	if d.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Processor == nil {
		d.Processor = command.New[ID](d.Store, d.Log, d.Metrics)
	}
	if d.Dispatcher == nil {
		d.Dispatcher = dispatch.New[ID](d.Adapter, dispatch.Config{}, d.Log, nil, d.Metrics)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = 8
	}
	return &Manager[ID]{
		adapter:    d.Adapter,
		store:      d.Store,
		processor:  d.Processor,
		dispatcher: d.Dispatcher,
		log:        d.Log.With(logx.String("comp", "manager")),
		metrics:    d.Metrics,
		cfg:        cfg,
		locks:      newKeyedMutex[ID](),
	}, nil
}

// Start launches the inbound workers and then the adapter receive loop.
// If the adapter fails to start, the workers are stopped again.
func (m *Manager[ID]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	inbound := make(chan transport.Inbound[ID], m.cfg.QueueSize)
	shards := make([]chan transport.Inbound[ID], m.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan transport.Inbound[ID], m.cfg.QueueSize)
	}
	stopRoute := make(chan struct{})

	// Workers get a context that outlives the route shutdown so queued
	// messages are still answered while draining.
	workCtx := context.WithoutCancel(ctx)
	for i, sh := range shards {
		sup.GoRestart(fmt.Sprintf("inbound.worker.%d", i), func(c context.Context) error {
			for in := range sh {
				m.OnInboundMessage(workCtx, in.ClientID, in.Text)
			}
			return nil
		})
	}
	sup.Go0("inbound.router", func(c context.Context) {
		defer func() {
			for _, sh := range shards {
				close(sh)
			}
		}()
		for {
			select {
			case in := <-inbound:
				m.route(c, shards, in)
			case <-stopRoute:
				for {
					select {
					case in := <-inbound:
						m.route(c, shards, in)
					default:
						return
					}
				}
			case <-c.Done():
				return
			}
		}
	})

	if err := m.adapter.Start(sup.Context(), inbound); err != nil {
		close(stopRoute)
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(sctx)
		return fmt.Errorf("start adapter: %w", err)
	}
	m.sup = sup
	m.stopRoute = stopRoute
	m.started = true
	m.log.Info("manager started", logx.Int("workers", m.cfg.Workers), logx.Int("queue_size", m.cfg.QueueSize))
	return nil
}

func (m *Manager[ID]) route(ctx context.Context, shards []chan transport.Inbound[ID], in transport.Inbound[ID]) {
	sh := shards[shardOf(in.ClientID, len(shards))]
	select {
	case sh <- in:
	case <-ctx.Done():
		m.metrics.IncInboundDropped()
	}
}

func shardOf[ID comparable](id ID, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fmt.Sprint(id)))
	return int(h.Sum32() % uint32(n))
}

// Close stops the adapter, answers what is already queued and waits for
// the workers until ctx ends. It is idempotent.
func (m *Manager[ID]) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sup, stopRoute, started := m.sup, m.stopRoute, m.started
	m.mu.Unlock()
	if !started {
		return nil
	}

	var errs []error
	if err := m.adapter.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop adapter: %w", err))
	}
	close(stopRoute)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			m.log.Warn("inbound workers did not drain in time", logx.Err(err))
		}
		errs = append(errs, err)
	}
	m.log.Info("manager stopped")
	return errors.Join(errs...)
}

// OnInboundMessage handles one inbound text. Blank text is ignored. Calls
// for the same id are serialized; the reply is sent after the lock is
// released. It never panics.
func (m *Manager[ID]) OnInboundMessage(ctx context.Context, id ID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("inbound handler panicked", logx.Any("client", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			m.reply(ctx, id, genericErrorReply)
		}
	}()

	res := m.process(ctx, id, text)
	if res.Listing != nil {
		m.dispatcher.Report(m.dispatcher.SendListing(ctx, *res.Listing))
		return
	}
	if res.Reply != "" {
		m.reply(ctx, id, res.Reply)
	}
}

func (m *Manager[ID]) process(ctx context.Context, id ID, text string) command.Result[ID] {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.processor.Process(ctx, id, text)
}

func (m *Manager[ID]) reply(ctx context.Context, id ID, text string) {
	m.dispatcher.Report(m.dispatcher.SendText(ctx, id, text, true, transport.ParsePlain))
}

// Notify delivers message to every subscriber sel picks, concurrently.
// One failing subscriber never aborts the batch. The error is non-nil only
// when the subscriber snapshot could not be read.
func (m *Manager[ID]) Notify(ctx context.Context, sel subscription.Selector[ID], message, pictureURL string) ([]dispatch.Outcome[ID], error) {
	started := time.Now()
	all, err := m.store.List(ctx)
	if err != nil {
		m.log.Error("notify: list subscribers failed", logx.Err(err))
		return nil, fmt.Errorf("%w: list subscribers: %w", subscription.ErrStorage, err)
	}
	if sel == nil {
		sel = subscription.All[ID]()
	}
	targets := make([]ID, 0, len(all))
	for _, s := range all {
		if sel(s) {
			targets = append(targets, s.ID)
		}
	}

	outcomes := make([]dispatch.Outcome[ID], len(targets))
	var g errgroup.Group
	g.SetLimit(m.cfg.NotifyWorkers)
	for i, id := range targets {
		g.Go(func() error {
			outcomes[i] = m.deliver(ctx, id, message, pictureURL)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		m.dispatcher.Report(o)
		if !o.OK() {
			failed++
		}
	}
	m.metrics.ObserveNotify(time.Since(started), len(targets))
	m.log.Info("notify finished",
		logx.Int("recipients", len(targets)),
		logx.Int("failed", failed),
		logx.Bool("picture", pictureURL != ""),
		logx.Duration("took", time.Since(started)),
	)
	return outcomes, nil
}

// deliver sends one notification. A failed picture falls back to exactly
// one text send of the same message.
func (m *Manager[ID]) deliver(ctx context.Context, id ID, message, pictureURL string) (out dispatch.Outcome[ID]) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("deliver panicked", logx.Any("client", id), logx.Any("panic", r))
			out = dispatch.Outcome[ID]{ClientID: id, Kind: dispatch.KindText, Status: dispatch.Failed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if strings.TrimSpace(pictureURL) == "" {
		return m.dispatcher.SendText(ctx, id, message, true, transport.ParsePlain)
	}
	pic := m.dispatcher.SendPicture(ctx, id, message, pictureURL)
	if pic.OK() {
		return pic
	}
	fb := m.dispatcher.SendText(ctx, id, message, true, transport.ParsePlain)
	out = dispatch.Outcome[ID]{ClientID: id, Kind: dispatch.KindPicture, Attempts: pic.Attempts + fb.Attempts}
	if fb.OK() {
		out.Status = dispatch.Degraded
		return out
	}
	out.Status = dispatch.Failed
	out.Err = errors.Join(pic.Err, fb.Err)
	return out
}
