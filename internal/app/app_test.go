package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/dispatch"
	"watchbot/internal/subscription"
	"watchbot/internal/transport/transporttest"
	logx "watchbot/pkg/logx"
)

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Storage:  config.StorageConfig{Driver: "memory"},
		Dispatch: config.DispatchConfig{RatePerSec: 1000},
		Manager:  config.ManagerConfig{Workers: 2},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppEndToEnd(t *testing.T) {
	ad := transporttest.New[int64]()
	a, err := assemble(nil, testConfig(), nil, logx.Nop(), ad, "watchbot")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !ad.Receive(42, "/subscribe@watchbot https://example.com/bikes") {
		t.Fatalf("adapter not started")
	}
	waitFor(t, func() bool { return len(ad.SentTo(42)) == 1 })
	if got := ad.SentTo(42)[0].Text; !strings.HasPrefix(got, "Subscribed to") {
		t.Fatalf("reply = %q", got)
	}

	outs, err := a.Manager().Notify(context.Background(), subscription.MatchingListing[int64]("https://example.com/bikes", "red bike"), "New bike", "")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(outs) != 1 || outs[0].Status != dispatch.Delivered {
		t.Fatalf("outcomes = %+v", outs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ad.Stopped {
		t.Fatalf("adapter not stopped")
	}
	if _, err := a.store.List(context.Background()); err == nil {
		t.Fatalf("store still open after Stop")
	}
}

func TestApplyConfigHotSwapsDispatch(t *testing.T) {
	a, err := assemble(nil, testConfig(), nil, logx.Nop(), transporttest.New[int64](), "")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer a.store.Close()

	next := testConfig()
	next.Dispatch.Dialect = "html"
	next.Storage.Driver = "sqlite"
	a.applyConfig(next)
	if a.disp.Dialect() != dispatch.HTML {
		t.Fatalf("dialect not applied")
	}
	if a.last != next {
		t.Fatalf("last config not recorded")
	}
}

func TestAssembleRejectsBadAlertSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts = config.AlertsConfig{Enabled: true, Schedule: "every now and then"}
	if _, err := assemble(nil, cfg, nil, logx.Nop(), transporttest.New[int64](), ""); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestMapStorageDefaults(t *testing.T) {
	sc, err := mapStorage(&config.Config{})
	if err != nil {
		t.Fatalf("mapStorage: %v", err)
	}
	if sc.Driver != "file" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", sc)
	}
}
