package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/openfroyo/provisio/pkg/policy"
	"github.com/openfroyo/provisio/pkg/telemetry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled work and the HTTP endpoints",
		Long: `Run provisio as a long-lived process.

serve:
  - drains the asynchronous task queue on the re-attempt schedule
  - runs every profile that declares a schedule
  - reloads correlation rules when their files change
  - serves /healthz, /metrics and /pools over HTTP

It stops on SIGINT or SIGTERM after running passes finish.`,
		Example: `  # Serve with the workspace's metrics address
  provisio serve -w ./corp

  # Override the listen address
  provisio serve --addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.settings.MetricsAddr
			}
			return a.serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default the workspace's metricsAddr)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) error {
	a.pools.Start(ctx)

	reattempter, err := a.reattempter()
	if err != nil {
		return err
	}
	if err := reattempter.Start(ctx); err != nil {
		return err
	}
	defer reattempter.Stop()

	scheduler, err := a.scheduleProfiles(ctx)
	if err != nil {
		return err
	}
	defer func() { <-scheduler.Stop().Done() }()

	if len(a.settings.PolicyPaths) > 0 {
		watcher, err := a.policies.WatchPaths(ctx, a.settings.PolicyPaths)
		if err != nil {
			return err
		}
		defer func(l *policy.Loader) { _ = l.Stop() }(watcher)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// router serves health, metrics and pool statistics.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.component("http")))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(a.tel.WithContext(req.Context())))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.store.HealthCheck(req.Context()); err != nil {
			telemetry.FromContext(req.Context()).WithError(err).Warn("Health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = writeJSON(w, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		_ = writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", a.tel.Metrics.Handler())
	r.Get("/pools", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, a.pools.AllStats())
	})
	r.Get("/pools/{key}", func(w http.ResponseWriter, req *http.Request) {
		stats, err := a.pools.Stats(chi.URLParam(req, "key"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, stats)
	})
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// scheduleProfiles starts a cron entry for every profile with a schedule.
// Runs of one profile never overlap.
func (a *app) scheduleProfiles(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	for _, name := range a.ws.ProfileNames() {
		spec := a.ws.Schedule(name)
		if spec == "" {
			continue
		}
		// Profiles must resolve before the scheduler starts.
		if _, _, err := a.ws.Profile(name, a.rule); err != nil {
			return nil, err
		}
		name := name
		if _, err := c.AddFunc(spec, func() {
			result, err := a.runProfile(ctx, name, "", false)
			if err != nil {
				a.logger.Error().Err(err).Str("profile", name).Msg("Scheduled run failed")
				return
			}
			a.logger.Info().
				Str("profile", name).
				Int("reports", len(result.Reports)).
				Int("failures", len(result.Failures())).
				Msg("Scheduled run completed")
		}); err != nil {
			return nil, err
		}
		a.logger.Info().Str("profile", name).Str("schedule", spec).Msg("Profile scheduled")
	}
	c.Start()
	return c, nil
}
