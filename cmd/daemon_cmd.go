package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kebairia/repliktor/internal/events"
	"github.com/kebairia/repliktor/internal/metrics"
	"github.com/kebairia/repliktor/internal/scheduler"
)

var abortOnExit bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run due incremental backups periodically until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := app.log.Named("daemon")

		app.metrics.SetEntries(app.manager.Table(ctx).Len())
		for _, channel := range []string{events.IncrementResult, events.RegistryChanged} {
			sub := app.bus.Subscribe(channel, func(p events.Progress) {
				log.Info("notification", "channel", p.Channel, "message", p.Message.Message)
			})
			defer sub.Close()
		}

		sched, err := scheduler.New(scheduler.Config{
			Manager:    app.manager,
			Notifier:   app.bus,
			Clock:      clock.WallClock,
			Logger:     app.log.Named("scheduler"),
			Metrics:    app.metrics,
			Period:     app.cfg.Scheduler.Period,
			RunOnStart: app.cfg.Scheduler.RunOnStart,
		})
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		if addr := app.cfg.Metrics.Listen; addr != "" {
			srv := &http.Server{
				Addr:              addr,
				Handler:           metricsMux(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				log.Info("serving metrics", "listen", addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		if err := sched.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			log.Info("shutting down", "abort", abortOnExit)
			if abortOnExit {
				sched.Abort()
			} else {
				sched.Stop()
			}
			return nil
		})
		return g.Wait()
	},
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(app.gatherer))
	return mux
}

func init() {
	daemonCmd.Flags().
		BoolVar(&abortOnExit, "abort", false, "cancel running increments on shutdown instead of waiting for them")
}
