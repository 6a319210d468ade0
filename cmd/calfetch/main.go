package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/mo"
	"github.com/urfave/cli/v2"

	"calfetch/internal/calendar"
	"calfetch/internal/config"
	appLog "calfetch/internal/log"
	"calfetch/internal/metrics"
	"calfetch/internal/model"
	"calfetch/internal/web"
)

const version = "0.1.0"

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "calfetch",
		Usage:   "Poll calendar feeds and serve the filtered upcoming events.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "/etc/calfetch/config.yaml",
				Usage:   "path to config file",
				EnvVars: []string{"CALFETCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error (overrides config)",
				EnvVars: []string{"CALFETCH_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			onceCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("calfetch failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}

// loadConfig reads the config and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	level := conf.LogLevel
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	return conf, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Poll all calendars and serve the HTTP API.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "HTTP listen address (overrides config)",
				EnvVars: []string{"CALFETCH_LISTEN"},
			},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("listen") {
				conf.Listen = c.String("listen")
			}

			rec := metrics.NewRecorder()
			calendars, err := buildCalendars(conf, rec)
			if err != nil {
				return err
			}
			appLog.Info("effective config",
				"listen", conf.Listen,
				"timezone", conf.Timezone,
				"cache_dir", conf.CacheDir,
				"calendars", len(calendars),
			)

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for _, cal := range calendars {
				cal.Watch()
				cal.Fetcher.StartFetch()
			}
			defer func() {
				for _, cal := range calendars {
					cal.Fetcher.Stop()
				}
			}()

			srv := &http.Server{
				Addr:              conf.Listen,
				Handler:           web.NewServer(conf, calendars, web.WithMetrics(rec)).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
				appLog.Info("signal received, shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			appLog.Info("calfetch exiting")
			return nil
		},
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run one cycle per calendar, print the events as JSON and exit.",
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			calendars, err := buildCalendars(conf, nil)
			if err != nil {
				return err
			}

			out := make(map[string][]model.Event, len(calendars))
			var failed []error
			for _, cal := range calendars {
				events, err := runOnce(c.Context, cal.Fetcher)
				if err != nil {
					appLog.Error("calendar fetch failed", err, "calendar", cal.ID)
					failed = append(failed, fmt.Errorf("%s: %w", cal.ID, err))
					continue
				}
				out[cal.ID] = events
			}

			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if len(failed) > 0 {
				return cli.Exit(errors.Join(failed...).Error(), 1)
			}
			return nil
		},
	}
}

// runOnce starts f, waits for its first outcome and stops it.
func runOnce(ctx context.Context, f *calendar.Fetcher) ([]model.Event, error) {
	done := make(chan mo.Result[[]model.Event], 1)
	f.OnResult(func(_ *calendar.Fetcher, res mo.Result[[]model.Event]) {
		select {
		case done <- res:
		default:
		}
	})

	f.StartFetch()
	defer f.Stop()

	select {
	case res := <-done:
		return res.Get()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
