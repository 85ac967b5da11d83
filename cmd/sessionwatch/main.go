// Command sessionwatch runs one tab's session lifecycle in a terminal. Start it
// several times with the same SESSION_TOKEN and a shared transport to watch
// the tabs coordinate.
//
// Commands on stdin: e (extend), q (sign out), d (dismiss warning), s (status).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ggoodman/session-lifecycle-go/backend"
	"github.com/ggoodman/session-lifecycle-go/internal/logctx"
	"github.com/ggoodman/session-lifecycle-go/lifecycle"
	"github.com/ggoodman/session-lifecycle-go/presenter"
	"github.com/ggoodman/session-lifecycle-go/sessions"
	"github.com/ggoodman/session-lifecycle-go/tabsync"
)

type appConfig struct {
	// SessionToken is the compact JWT whose sub and exp describe the session.
	SessionToken string `env:"SESSION_TOKEN,required"`
	// Transport is one of memory, redis or file.
	Transport string `env:"TABSYNC_TRANSPORT,default=memory"`
	Dir       string `env:"TABSYNC_DIR,default=.sessionwatch"`
	TabID     string `env:"TAB_ID"`
	// BackendURL enables heartbeats and extension when set.
	BackendURL string `env:"BACKEND_URL"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sessionwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	var app appConfig
	if err := envdecode.StrictDecode(&app); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg, err := lifecycle.ConfigFromEnv()
	if err != nil {
		return err
	}

	log := newLogger(app.LogLevel)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	defer func() {
		reportMetrics(log, reader)
		_ = mp.Shutdown(context.Background())
	}()

	payload, err := sessions.DecodeToken(app.SessionToken)
	if err != nil {
		return err
	}
	sess := sessions.FromPayload(payload, cfg.WarningThreshold)

	hub, closeHub, err := openHub(app, log)
	if err != nil {
		return err
	}
	defer closeHub()

	var be lifecycle.Backend
	if app.BackendURL != "" {
		client, err := backend.NewFromEnv(backend.WithLogger(log))
		if err != nil {
			return err
		}
		be = client
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var driver *presenter.Driver
	tabs := tabsync.New(hub, tabsync.WithTabID(app.TabID), tabsync.WithLogger(log))
	coord := lifecycle.New(cfg, be,
		lifecycle.RedirectFunc(func(url string) {
			fmt.Printf("-> redirect %s\n", url)
		}),
		lifecycle.WithLogger(log),
		lifecycle.WithSynchronizer(tabs),
		lifecycle.WithEvents(lifecycle.Events{
			OnExtended: func(expiresAt time.Time) {
				fmt.Printf("session extended until %s\n", expiresAt.Format(time.TimeOnly))
			},
			OnWarningAcknowledged: func() {
				driver.WarningAcknowledged()
			},
		}),
	)
	defer coord.Close()

	driver = presenter.New(coord, &terminalRenderer{}, presenter.WithLogger(log))
	defer driver.Stop()

	if err := coord.Start(ctx, sess); err != nil {
		return err
	}
	fmt.Printf("tab %s watching session %s (expires %s)\n", tabs.TabID(), sess.ID, sess.ExpiresAt.Format(time.TimeOnly))

	go readCommands(ctx, coord, driver, log)

	select {
	case <-coord.Done():
		snap := coord.Snapshot()
		fmt.Printf("session ended (%s)\n", snap.Reason)
	case <-ctx.Done():
		fmt.Println("interrupted")
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: h})
}

func readCommands(ctx context.Context, coord *lifecycle.Coordinator, driver *presenter.Driver, log *slog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "e":
			out, err := driver.Extend(ctx)
			if err != nil {
				fmt.Println("extend:", err)
				continue
			}
			go func() {
				o := <-out
				if o.Err != nil && !errors.Is(o.Err, lifecycle.ErrExtendDiscarded) {
					fmt.Println("extend failed:", o.Err)
				}
			}()
		case "q":
			driver.End()
		case "d":
			driver.Dismiss()
		case "s":
			snap := coord.Snapshot()
			fmt.Printf("state=%s remaining=%s heartbeats=%d failures=%d\n",
				snap.State, snap.Remaining.Round(time.Second), snap.Heartbeat.Beats, snap.Heartbeat.TotalFailures)
		case "":
		default:
			fmt.Println("commands: e (extend), q (sign out), d (dismiss), s (status)")
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("stdin.error", slog.String("err", err.Error()))
	}
}

// terminalRenderer prints the presenter's views.
type terminalRenderer struct {
	lastWarning time.Duration
}

func (r *terminalRenderer) ShowWarning(remaining time.Duration) {
	r.lastWarning = remaining.Round(time.Second)
	fmt.Printf("!! session expires in %s: e to stay signed in, d to dismiss\n", r.lastWarning)
}

func (r *terminalRenderer) UpdateWarning(remaining time.Duration) {
	if rounded := remaining.Round(time.Second); rounded != r.lastWarning {
		r.lastWarning = rounded
		fmt.Printf("!! %s\n", rounded)
	}
}

func (r *terminalRenderer) HideWarning() { fmt.Println("warning dismissed") }

func (r *terminalRenderer) ShowEnding(total time.Duration) {
	fmt.Printf("signing out in %s\n", total)
}

func (r *terminalRenderer) UpdateEnding(progress float64) {
	const width = 20
	n := int(progress * width)
	fmt.Printf("[%s%s]\n", strings.Repeat("#", n), strings.Repeat(".", width-n))
}
