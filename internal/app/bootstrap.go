package app

import (
	"context"
	"errors"
	"fmt"

	"watchbot/internal/alerts"
	"watchbot/internal/api/httpapi"
	"watchbot/internal/command"
	"watchbot/internal/config"
	"watchbot/internal/dispatch"
	"watchbot/internal/eventbus"
	"watchbot/internal/manager"
	"watchbot/internal/metrics"
	"watchbot/internal/storage"
	"watchbot/internal/transport"
	"watchbot/internal/transport/telegram"
	logx "watchbot/pkg/logx"
)

// NewApp loads the config, connects to Telegram and wires every component.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))

	tc, err := mapTelegram(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	ad, err := telegram.New(ctx, tc, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Info("telegram connected", logx.String("bot", ad.Username()))

	a, err := assemble(cfgm, cfg, logs, log, ad, ad.Username())
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// assemble wires the components around an already connected adapter.
func assemble(cfgm *config.ConfigManager, cfg *config.Config, logs *logx.Service, log logx.Logger, ad transport.Adapter[int64], botName string) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open[int64](sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	m := metrics.New()
	disp := dispatch.New[int64](ad, dc, log.With(logx.String("comp", "dispatch")), bus, m)
	proc := command.New[int64](store, log.With(logx.String("comp", "commands")), m, command.WithBotName(botName))

	mgr, err := manager.New[int64](manager.Deps[int64]{
		Adapter:    ad,
		Store:      store,
		Processor:  proc,
		Dispatcher: disp,
		Log:        log,
		Metrics:    m,
	}, mapManager(cfg))
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	var send alerts.SendFunc
	if admin := cfg.Telegram.AdminChatID; admin != 0 {
		// Not reported on the bus: a failing digest must not feed the next one.
		send = func(ctx context.Context, text string) error {
			return disp.SendText(ctx, admin, text, false, transport.ParsePlain).Err
		}
	}
	al := alerts.New(mapAlerts(cfg), bus, send, log)
	if cfg.Alerts.Enabled {
		if err := al.Validate(); err != nil {
			return nil, errors.Join(err, store.Close())
		}
	}

	a := &App{
		cfgm:    cfgm,
		last:    cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     bus,
		metrics: m,
		store:   store,
		disp:    disp,
		mgr:     mgr,
		alerts:  al,
	}
	h := httpapi.NewHandler[int64](mgr, hc.NotifyTimeout, log)
	a.http = httpapi.NewServer(hc, httpapi.Router[int64](hc, h, m.Handler(), a.health), log)
	return a, nil
}
