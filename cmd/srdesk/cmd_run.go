package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/srdesk/internal/archive"
	"github.com/kingrea/srdesk/internal/config"
	"github.com/kingrea/srdesk/internal/events"
	"github.com/kingrea/srdesk/internal/logbook"
	"github.com/kingrea/srdesk/internal/metrics"
	"github.com/kingrea/srdesk/internal/pool"
	"github.com/kingrea/srdesk/internal/statusapi"
	"github.com/kingrea/srdesk/internal/tui"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var (
		withTUI bool
		workers int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool and aggregate results until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := resolveProjectDir()
			if err != nil {
				return err
			}
			if err := config.InitWorkspace(dir); err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				if err := cfg.OverrideWorkers(workers); err != nil {
					return err
				}
			}
			return runPool(cmd.Context(), cmd.OutOrStdout(), cfg, withTUI)
		},
	}
	cmd.Flags().BoolVar(&withTUI, "tui", false, "show the interactive dashboard")
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "override the configured worker count for this run")
	return cmd
}

func runPool(parent context.Context, out io.Writer, cfg *config.Config, withTUI bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lb, err := logbook.New(cfg.LogPath())
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	lb.Info("Run requested · %d workers · executable %s", cfg.Workers(), cfg.Project.Executable)

	bus := events.NewBus(events.WithLogger(lb.With("events")))
	mt := metrics.New()
	opts := []pool.Option{
		pool.WithLogger(lb.With("pool")),
		pool.WithMetrics(mt),
		pool.WithSupervisorOptions(cfg.SupervisorOptions()...),
		pool.WithWatch(cfg.Project.Watch),
		pool.WithCleanStale(cfg.Project.CleanStale),
		pool.WithOutputDir(cfg.LogsDir()),
	}
	if cfg.Project.Archive.Enabled {
		store, err := archive.Open(cfg.ArchiveDir())
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				lb.Warn("Archive close failed: %v", err)
			}
		}()
		opts = append(opts, pool.WithArchive(store))
	}
	mgr := pool.New(bus, opts...)

	if err := mgr.StartAll(ctx, cfg.ProcessConfigs()); err != nil {
		return err
	}

	var api *statusapi.Server
	if settings := statusapi.SettingsFromConfig(cfg); settings.Enabled {
		api = statusapi.NewServer(settings, mgr,
			statusapi.WithBus(bus),
			statusapi.WithMetrics(mt.Handler()),
			statusapi.WithLogger(lb.With("api")),
		)
		if err := api.Start(ctx); err != nil {
			lb.Error("Status API failed to start: %v", err)
			api = nil
		} else if !withTUI {
			fmt.Fprintf(out, "Status API listening on %s\n", api.BaseURL())
		}
	}

	var runErr error
	if withTUI {
		app := tui.NewApp(mgr,
			tui.WithLogbook(lb),
			tui.WithStopOnQuit(true),
			tui.WithRefreshInterval(cfg.Project.Timing.Refresh),
		)
		_, runErr = tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
		if errors.Is(runErr, tea.ErrProgramKilled) {
			runErr = nil
		}
	} else {
		fmt.Fprintf(out, "Session %s started with %d workers. Press Ctrl+C to stop.\n", mgr.Session(), len(mgr.Workers()))
		followEvents(ctx, out, bus)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			lb.Warn("Status API shutdown: %v", err)
		}
	}
	if err := mgr.Close(shutdownCtx); err != nil && !errors.Is(err, pool.ErrNotRunning) {
		runErr = errors.Join(runErr, err)
	}
	frontier := mgr.GlobalFrontier()
	lb.Info("Run finished · session %s · frontier %d", mgr.Session(), len(frontier))
	if !withTUI || runErr == nil {
		fmt.Fprintln(out)
		printFrontier(out, frontier)
	}
	return runErr
}

// followEvents prints pool events until ctx is done or the pool stops.
func followEvents(ctx context.Context, out io.Writer, bus *events.Bus) {
	sub := bus.Subscribe(events.TopicAll)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if line := describeEvent(evt); line != "" {
				fmt.Fprintln(out, line)
			}
			if evt.Type == events.TopicPoolStopped {
				return
			}
		}
	}
}

func describeEvent(evt events.Event) string {
	stamp := evt.Time.Local().Format("15:04:05")
	switch evt.Type {
	case events.TopicWorkerTimer:
		return ""
	case events.TopicResultsUpdated:
		return fmt.Sprintf("%s worker %d: %d new candidates", stamp, evt.WorkerID, evt.Count)
	case events.TopicPoolStarted, events.TopicPoolPaused, events.TopicPoolResumed, events.TopicPoolStopped:
		return fmt.Sprintf("%s %s %s", stamp, evt.Type, evt.Message)
	default:
		msg := evt.Message
		if msg == "" {
			return fmt.Sprintf("%s worker %d: %s", stamp, evt.WorkerID, evt.Type)
		}
		return fmt.Sprintf("%s worker %d: %s (%s)", stamp, evt.WorkerID, evt.Type, msg)
	}
}
