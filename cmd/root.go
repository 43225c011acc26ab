package cmd

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kebairia/repliktor/internal/archive"
	"github.com/kebairia/repliktor/internal/config"
	"github.com/kebairia/repliktor/internal/events"
	"github.com/kebairia/repliktor/internal/logger"
	"github.com/kebairia/repliktor/internal/metrics"
	"github.com/kebairia/repliktor/internal/operations"
	"github.com/kebairia/repliktor/internal/registry"
)

// ConfigFile is the path to the YAML configuration.
var (
	ConfigFile string
	// rootCmd is the base command for repliktor.
	rootCmd = &cobra.Command{
		Use:   "repliktor",
		Short: "Folder backup registry and scheduler",
		Long: `repliktor keeps a registry of folder backups, compresses each
folder with zstd into its backup location, and re-runs incremental backups
on a weekly or monthly cadence.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) { logger.Cleanup() },
	}

	// app is built once per invocation by setup.
	app *components
)

// components holds what every subcommand works with.
type components struct {
	cfg      config.Config
	log      logger.Logger
	bus      *events.Bus
	engine   *archive.Zstd
	store    *registry.Store
	manager  *operations.OperationManager
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if app != nil {
			app.log.Error("command failed", "error", err.Error())
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		logger.Cleanup()
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	var cfg config.Config
	if err := cfg.Load(ConfigFile); err != nil {
		return err
	}
	log, err := logger.Init(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(promReg)

	bus := events.New(archive.PercentageRounded, log.Named("events"))
	engine := archive.NewZstd(
		archive.WithLevel(cfg.Archive.Level),
		archive.WithWorkers(cfg.Archive.Workers),
		archive.WithPublisher(bus),
		archive.WithLogger(log.Named("archive")),
	)
	store := registry.NewStore(cfg.Registry.Path,
		registry.WithLockName(cfg.Registry.LockName),
		registry.WithLogger(log.Named("registry")),
	)
	manager := operations.NewOperationManager(store, engine,
		operations.WithNotifier(bus),
		operations.WithLogger(log.Named("operations")),
		operations.WithMetrics(collector),
	)

	app = &components{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		engine:   engine,
		store:    store,
		manager:  manager,
		metrics:  collector,
		gatherer: promReg,
	}
	log.Debug("configuration loaded",
		"command", cmd.Name(),
		"registry", cfg.Registry.Path,
		"level", cfg.Archive.Level,
	)
	return nil
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(incrementCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(daemonCmd)
}
