// Package dispatch renders and delivers outbound messages through a
// transport.Sender with a bounded degradation policy:
//
//   - text: one attempt in the requested mode; on a delivery-class failure
//     one more attempt as plain text with previews enabled, unless the
//     first attempt already was exactly that
//   - picture: exactly one attempt, never retried as an image
//
// Every attempt waits on a shared rate limiter and runs under a per-call
// timeout. Nothing here panics or returns an error past the Outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"watchbot/internal/eventbus"
	"watchbot/internal/metrics"
	"watchbot/internal/subscription"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const ListingHeader = "Your subscriptions:"

type Config struct {
	RatePerSec  int           `json:"rate_per_sec"`
	SendTimeout time.Duration `json:"send_timeout"`
	Dialect     string        `json:"dialect"`
}

type Dispatcher[ID comparable] struct {
	sender  transport.Sender[ID]
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu      sync.RWMutex
	limiter *rate.Limiter
	timeout time.Duration
	dialect Dialect
}

func New[ID comparable](sender transport.Sender[ID], cfg Config, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Dispatcher[ID] {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher[ID]{
		sender:  sender,
		log:     log.With(logx.String("comp", "dispatch")),
		bus:     bus,
		metrics: m,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps rate, timeout and dialect at runtime.
func (d *Dispatcher[ID]) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Burst equals the rate so short spikes do not block.
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		d.limiter.SetBurst(cfg.RatePerSec)
	}
	d.timeout = cfg.SendTimeout
	d.dialect = DialectByName(cfg.Dialect)
}

// Dialect returns the active rich-markup dialect.
func (d *Dispatcher[ID]) Dialect() Dialect {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dialect
}

func (d *Dispatcher[ID]) settings() (*rate.Limiter, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limiter, d.timeout
}

// SendText delivers message as-is. In a rich mode the caller must have
// escaped it with the dialect.
func (d *Dispatcher[ID]) SendText(ctx context.Context, to ID, message string, previewEnabled bool, mode transport.ParseMode) Outcome[ID] {
	out := Outcome[ID]{ClientID: to, Kind: KindText}
	opt := &transport.SendOptions{ParseMode: mode, DisablePreview: !previewEnabled}

	out.Attempts++
	err := d.attempt(ctx, func(c context.Context) error { return d.sender.SendText(c, to, message, opt) })
	if err == nil {
		out.Status = Delivered
		return out
	}
	// A plain send with previews already is the degraded form; there is
	// nothing left to fall back to.
	alreadyPlain := mode == transport.ParsePlain && previewEnabled
	if !errors.Is(err, transport.ErrDelivery) || alreadyPlain {
		d.log.Error("send text failed", logx.Any("to", to), logx.String("mode", string(mode)), logx.Err(err))
		out.Status, out.Err = Failed, err
		return out
	}

	d.log.Warn("send text failed; retrying as plain text", logx.Any("to", to), logx.String("mode", string(mode)), logx.Err(err))
	d.metrics.IncRetry()
	out.Attempts++
	retryErr := d.attempt(ctx, func(c context.Context) error {
		return d.sender.SendText(c, to, message, &transport.SendOptions{ParseMode: transport.ParsePlain})
	})
	if retryErr == nil {
		out.Status = Degraded
		return out
	}
	d.log.Error("delivery failed", logx.Any("to", to), logx.Int("attempts", out.Attempts), logx.Err(retryErr))
	out.Status, out.Err = Failed, retryErr
	return out
}

// SendPicture makes exactly one attempt. Falling back to text is the
// caller's decision.
func (d *Dispatcher[ID]) SendPicture(ctx context.Context, to ID, message, pictureURL string) Outcome[ID] {
	out := Outcome[ID]{ClientID: to, Kind: KindPicture, Attempts: 1}
	err := d.attempt(ctx, func(c context.Context) error { return d.sender.SendPicture(c, to, message, pictureURL) })
	if err == nil {
		out.Status = Delivered
		return out
	}
	d.log.Warn("send picture failed", logx.Any("to", to), logx.String("picture_url", pictureURL), logx.Err(err))
	out.Status, out.Err = Failed, err
	return out
}

// RenderSubscriptionListing builds the listing message for s in the
// active dialect. Every value is escaped.
func (d *Dispatcher[ID]) RenderSubscriptionListing(s subscription.Subscriber[ID]) string {
	return RenderListing(d.Dialect(), s.Subscriptions)
}

// SendListing renders and sends the listing in rich mode with previews
// disabled.
func (d *Dispatcher[ID]) SendListing(ctx context.Context, s subscription.Subscriber[ID]) Outcome[ID] {
	dl := d.Dialect()
	out := d.SendText(ctx, s.ID, RenderListing(dl, s.Subscriptions), false, dl.Mode())
	out.Kind = KindListing
	return out
}

// Report publishes the final outcome of a delivery and counts it.
func (d *Dispatcher[ID]) Report(o Outcome[ID]) {
	d.metrics.IncDelivery(string(o.Kind), o.Status.String())
	if d.bus == nil {
		return
	}
	ev := Event{ClientID: fmt.Sprint(o.ClientID), Kind: o.Kind, Status: o.Status, Attempts: o.Attempts}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	topic := eventbus.DeliverySent
	switch o.Status {
	case Degraded:
		topic = eventbus.DeliveryDegraded
	case Failed:
		topic = eventbus.DeliveryFailed
	}
	d.bus.Publish(eventbus.Event{Type: topic, Data: ev})
}

func (d *Dispatcher[ID]) attempt(ctx context.Context, fn func(context.Context) error) error {
	lim, timeout := d.settings()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := lim.Wait(cctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return fn(cctx)
}

// RenderListing is the pure rendering used by SendListing.
func RenderListing(dl Dialect, subs []subscription.Subscription) string {
	var b strings.Builder
	b.WriteString(dl.Escape(ListingHeader))
	for _, s := range subs {
		b.WriteString("\n\n")
		field(&b, dl, "Title", s.Title)
		b.WriteByte('\n')
		field(&b, dl, "URL", s.QueryURL)
		b.WriteByte('\n')
		field(&b, dl, "Included keywords", strings.Join(s.IncludeKeywords, ", "))
		b.WriteByte('\n')
		field(&b, dl, "Excluded keywords", strings.Join(s.ExcludeKeywords, ", "))
		b.WriteByte('\n')
		field(&b, dl, "Enabled", fmt.Sprint(s.Enabled))
	}
	return b.String()
}

func field(b *strings.Builder, dl Dialect, label, value string) {
	b.WriteString(dl.Bold(label))
	b.WriteString(": ")
	b.WriteString(dl.Escape(value))
}
