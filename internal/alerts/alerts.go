// Package alerts accumulates failed and degraded deliveries from the event
// bus and periodically sends a digest to an operator.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"watchbot/internal/dispatch"
	"watchbot/internal/eventbus"
	rtsup "watchbot/internal/runtime/supervisor"
	logx "watchbot/pkg/logx"
)

type Config struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule"`
	MinFailures int    `json:"min_failures"`
}

// SendFunc delivers a digest to the operator. A nil SendFunc logs it.
type SendFunc func(ctx context.Context, text string) error

type clientStats struct {
	failed   int
	degraded int
	lastErr  string
}

type Service struct {
	cfg    Config
	bus    eventbus.Bus
	send   SendFunc
	log    logx.Logger
	parser cron.Parser

	mu       sync.Mutex
	clients  map[string]*clientStats
	failed   int
	degraded int
	since    time.Time

	c     *cron.Cron
	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, bus eventbus.Bus, send SendFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.MinFailures <= 0 {
		cfg.MinFailures = 1
	}
	return &Service{
		cfg:     cfg,
		bus:     bus,
		send:    send,
		log:     log.With(logx.String("comp", "alerts")),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clients: map[string]*clientStats{},
		since:   time.Now(),
	}
}

// Validate checks the schedule expression.
func (s *Service) Validate() error {
	if _, err := s.parser.Parse(s.cfg.Schedule); err != nil {
		return fmt.Errorf("alerts schedule %q: %w", s.cfg.Schedule, err)
	}
	return nil
}

// Start subscribes to delivery events and schedules the digest. It is a
// no-op when alerts are disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.Flush(fctx); err != nil {
			s.log.Warn("alert digest not delivered", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("alerts schedule %q: %w", s.cfg.Schedule, err)
	}

	ch, unsub := s.bus.Subscribe(256)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("alerts.consume", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.Record(ev)
			}
		}
	})
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("schedule", s.cfg.Schedule), logx.Int("min_failures", s.cfg.MinFailures))
	return nil
}

// Stop stops the schedule and the consumer. Pending counts are kept.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, sup, unsub := s.c, s.sup, s.unsub
	s.c, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Record folds one bus event into the pending digest.
func (s *Service) Record(ev eventbus.Event) {
	de, ok := ev.Data.(dispatch.Event)
	if !ok {
		return
	}
	if ev.Type != eventbus.DeliveryFailed && ev.Type != eventbus.DeliveryDegraded {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.clients[de.ClientID]
	if st == nil {
		st = &clientStats{}
		s.clients[de.ClientID] = st
	}
	if ev.Type == eventbus.DeliveryFailed {
		st.failed++
		s.failed++
		if de.Error != "" {
			st.lastErr = de.Error
		}
		return
	}
	st.degraded++
	s.degraded++
}

// Digest renders and resets the pending counts. ok is false when fewer
// than MinFailures failures were recorded; counts are kept in that case.
func (s *Service) Digest() (text string, ok bool) {
	text, _, ok = s.take()
	return text, ok
}

type pending struct {
	clients  map[string]*clientStats
	failed   int
	degraded int
	since    time.Time
}

// take renders the digest and moves the counts out of the service.
func (s *Service) take() (string, pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed < s.cfg.MinFailures {
		return "", pending{}, false
	}
	p := pending{clients: s.clients, failed: s.failed, degraded: s.degraded, since: s.since}
	s.clients = map[string]*clientStats{}
	s.failed, s.degraded = 0, 0
	s.since = time.Now()
	return render(p), p, true
}

// restore merges counts taken by an undelivered digest back in.
func (s *Service) restore(p pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range p.clients {
		st := s.clients[id]
		if st == nil {
			s.clients[id] = old
			continue
		}
		st.failed += old.failed
		st.degraded += old.degraded
		if st.lastErr == "" {
			st.lastErr = old.lastErr
		}
	}
	s.failed += p.failed
	s.degraded += p.degraded
	s.since = p.since
}

func render(p pending) string {
	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := p.clients[ids[i]], p.clients[ids[j]]
		if a.failed != b.failed {
			return a.failed > b.failed
		}
		return ids[i] < ids[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Delivery report since %s: %d failed, %d degraded, %d client(s) affected.",
		p.since.Format(time.RFC3339), p.failed, p.degraded, len(ids))
	const maxLines = 20
	for i, id := range ids {
		if i == maxLines {
			fmt.Fprintf(&b, "\n... and %d more", len(ids)-maxLines)
			break
		}
		st := p.clients[id]
		fmt.Fprintf(&b, "\n- %s: %d failed, %d degraded", id, st.failed, st.degraded)
		if st.lastErr != "" {
			fmt.Fprintf(&b, " (last error: %s)", st.lastErr)
		}
	}
	return b.String()
}

// Flush sends the digest if one is due. Counts of a digest that could not
// be sent stay pending for the next flush.
func (s *Service) Flush(ctx context.Context) error {
	text, p, ok := s.take()
	if !ok {
		return nil
	}
	if s.send == nil {
		s.log.Warn("delivery report", logx.String("report", text))
		return nil
	}
	if err := s.send(ctx, text); err != nil {
		s.restore(p)
		return err
	}
	return nil
}
