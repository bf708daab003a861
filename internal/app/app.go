package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchbot/internal/alerts"
	"watchbot/internal/api/httpapi"
	"watchbot/internal/config"
	"watchbot/internal/dispatch"
	"watchbot/internal/eventbus"
	"watchbot/internal/manager"
	"watchbot/internal/metrics"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	last *config.Config
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store[int64]

	disp   *dispatch.Dispatcher[int64]
	mgr    *manager.Manager[int64]
	alerts *alerts.Service
	http   *httpapi.Server
}

// Manager exposes the manager for in-process notifiers.
func (a *App) Manager() *manager.Manager[int64] { return a.mgr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.mgr.Start(run); err != nil {
		return err
	}
	if err := a.alerts.Start(run); err != nil {
		return err
	}
	if err := a.http.Start(run); err != nil {
		return err
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		updates := a.cfgm.Subscribe(4)
		a.sup.Go0("config.apply", func(c context.Context) {
			defer a.cfgm.Unsubscribe(updates)
			for {
				select {
				case <-c.Done():
					return
				case cfg, ok := <-updates:
					if !ok {
						return
					}
					a.applyConfig(cfg)
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging and dispatch settings. Every other
// section needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	ch := config.Diff(a.last, cfg)
	a.last = cfg
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range ch.Live {
		switch s {
		case "logging":
			if a.logs != nil {
				a.logs.Apply(mapLogging(cfg))
			}
		case "dispatch":
			dc, err := mapDispatch(cfg)
			if err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				continue
			}
			a.disp.Apply(dc)
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	if len(ch.Live) > 0 {
		a.log.Info("config reloaded", logx.String("applied", strings.Join(ch.Live, ",")))
	}
}

func (a *App) health() any {
	return map[string]any{
		"deliveries": a.metrics.Snapshot(),
		"goroutines": a.sup.Counters(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	// Ingress first, then the manager drains what is queued while the
	// store is still open.
	step("http", 2*time.Second, a.http.Stop)
	step("alerts", 2*time.Second, func(c context.Context) error {
		a.alerts.Stop(c)
		return a.alerts.Flush(c)
	})
	step("manager", 5*time.Second, a.mgr.Close)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	// Remaining supervised goroutines (config watch/apply).
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
