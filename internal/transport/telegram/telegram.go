// Package telegram implements transport.Adapter on top of telebot.
// Client ids are Telegram chat ids.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	tele "gopkg.in/telebot.v4"

	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// StartupRetry bounds how long New keeps retrying the initial getMe call.
	StartupRetry time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Inbound[int64]
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// droppedUpdates counts messages dropped because the consumer was slower
	// than the poll loop. Reported periodically, not per message.
	droppedUpdates uint64
}

var _ transport.Adapter[int64] = (*Adapter)(nil)

// New connects to the Bot API. An empty token is rejected without any
// network call; a rejected token is not retried.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.StartupRetry <= 0 {
		cfg.StartupRetry = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = cfg.StartupRetry
	b, err := backoff.RetryNotifyWithData(func() (*tele.Bot, error) {
		b, err := tele.NewBot(tele.Settings{
			Token:  cfg.Token,
			Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		})
		if err != nil && isAuthError(err) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		log.Warn("telegram connect failed; retrying", logx.Err(err), logx.Duration("backoff", wait))
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Inbound[int64]
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Username is the bot's own username, used to accept "/cmd@bot" forms.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func isAuthError(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == 401 || te.Code == 404
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "not found")
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	out, _ := a.out.Load().(chan<- transport.Inbound[int64])
	if out == nil {
		return nil
	}
	select {
	case out <- transport.Inbound[int64]{ClientID: m.Chat.ID, Text: m.Text}:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Inbound[int64]) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; it can return early on some failures, so
	// keep it under a restart loop.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(chanCap int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

// Stop ends polling and releases the connection. It never blocks longer
// than a short grace window or the ctx deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Inbound[int64]
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to int64, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to}
	for _, chunk := range splitText(text, textLimit, opt.ParseMode) {
		sendOpt := &tele.SendOptions{
			ParseMode:             string(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
		}
		if err := call(ctx, func() error {
			_, err := a.bot.Send(chat, chunk, sendOpt)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) SendPicture(ctx context.Context, to int64, caption, pictureURL string) error {
	if strings.TrimSpace(pictureURL) == "" {
		return errors.New("telegram: picture url is empty")
	}
	photo := &tele.Photo{File: tele.FromURL(pictureURL), Caption: truncRunes(caption, captionLimit)}
	return call(ctx, func() error {
		_, err := a.bot.Send(&tele.Chat{ID: to}, photo)
		return err
	})
}

// call runs a blocking Bot API call and gives up waiting when ctx ends.
// telebot calls are not cancellable, so an abandoned call may still
// complete in the background.
func call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return transport.DeliveryError("telegram send", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and never cuts right after a MarkdownV2 escape.
func splitText(s string, limit int, mode transport.ParseMode) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			end = len(rs)
		} else {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if mode == transport.ParseMarkdownV2 && rs[end-1] == '\\' && end-1 > start {
				end--
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func truncRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return string(rs[:n-1]) + "…"
}
