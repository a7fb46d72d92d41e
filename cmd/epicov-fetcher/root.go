package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/epicov-fetcher/internal/accession"
	"github.com/withObsrvr/epicov-fetcher/internal/artifact"
	"github.com/withObsrvr/epicov-fetcher/internal/catalog"
	"github.com/withObsrvr/epicov-fetcher/internal/config"
	"github.com/withObsrvr/epicov-fetcher/internal/fetcher"
	"github.com/withObsrvr/epicov-fetcher/internal/logging"
	"github.com/withObsrvr/epicov-fetcher/internal/manifest"
	"github.com/withObsrvr/epicov-fetcher/internal/metrics"
	"github.com/withObsrvr/epicov-fetcher/internal/operator"
	"github.com/withObsrvr/epicov-fetcher/internal/transfer"
	"github.com/withObsrvr/epicov-fetcher/internal/watcher"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "epicov-fetcher <date>",
	Short: "Guide an operator through downloading new EpiCoV records up to a date - " + Version,
	Long: `epicov-fetcher compares each location's EpiCoV accession listing against the
accessions already downloaded, then walks you through downloading only the new
ones in batches, checking every file as it lands in your downloads directory.`,
	Version:       Version,
	Args:          cobra.MatchAll(cobra.ExactArgs(1), dateArg),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runFetch,
}

var planCmd = &cobra.Command{
	Use:   "plan <date>",
	Short: "Show the batches a run would produce from snapshots already downloaded",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), dateArg),
	RunE:  runPlan,
}

var exportCmd = &cobra.Command{
	Use:   "export <out.parquet>",
	Short: "Write the accession store as a parquet table",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	bindFlags(rootCmd)
	rootCmd.AddCommand(planCmd, exportCmd)
}

// Execute runs the selected command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		prettyPrintError(os.Stderr, err)
		return exitCode(err)
	}
	return ExitSuccess
}

func dateArg(cmd *cobra.Command, args []string) error {
	if err := config.ValidateDate(args[0]); err != nil {
		return argsError{err}
	}
	return nil
}

// setup loads and validates the config for date and starts logging.
func setup(date string, cluster bool) (config.Config, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return cfg, err
	}
	cfg.Download.Date = date
	if !cluster {
		cfg.Cluster.Enabled = false
	}
	if err := resolveDownloads(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	return cfg, nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := setup(args[0], true)
	if err != nil {
		return err
	}
	kinds, err := artifact.ParseKinds(cfg.Download.Filetypes)
	if err != nil {
		return argsError{err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := logging.GenerateRunID()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.Component("main").With("run_id", runID)
	log.Info("epicov-fetcher starting", "version", Version, "git_sha", GitSHA, "date", cfg.Download.Date)

	started := time.Now()
	m := metrics.New()
	defer func() {
		m.FinishRun(started)
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			log.Warn("failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}()

	guide := operator.NewGuide(os.Stdout, os.Stdin, cfg.Download.Wait)
	if !guide.Waits() {
		guide.Note("Quick mode: no pauses. Follow the instructions as they appear; downloads are still checked as they land.")
	}

	var cluster *transfer.BlobExecutor
	if cfg.Cluster.Enabled {
		cluster, err = transfer.Open(ctx, cfg.Cluster.BucketURL, transfer.Options{
			Compress: cfg.Cluster.Compress,
			Recorder: m,
		})
		if err != nil {
			return transferError{err}
		}
		defer cluster.Close()

		if !cfg.Cluster.SkipRefresh {
			guide.Section("Retrieving the list of accessions already downloaded")
			if err := runPlanOn(ctx, cluster, transfer.RefreshPlan(cfg.Cluster.RemoteDir, cfg.Paths.EpicovDir)); err != nil {
				return err
			}
		}
	}

	store, err := accession.NewStore(cfg.AccessionDir())
	if err != nil {
		return err
	}
	manifests, err := manifest.NewManager(manifest.Config{Enabled: true, Dir: cfg.ManifestDir()})
	if err != nil {
		return err
	}
	w := watcher.New(watcher.Options{
		PollInterval:   cfg.Download.PollInterval,
		NoticeInterval: cfg.Download.NoticeInterval,
		UseFSNotify:    true,
		Observe:        m.ObserveArrivalWait,
	})

	o := fetcher.New(fetcher.Options{
		RunID:       runID,
		Date:        cfg.Download.Date,
		Locations:   cfg.Download.Locations,
		Kinds:       kinds,
		EPISet:      cfg.Download.EPISet,
		Downloads:   cfg.Paths.Downloads,
		MetaDir:     cfg.MetaDir(),
		Limit:       cfg.Download.Limit,
		AckLimit:    cfg.Download.AckLimit,
		Destination: cfg.Cluster.RemoteDir,
	}, fetcher.Deps{
		Store:     store,
		Acquirer:  w,
		Operator:  guide,
		Manifests: manifests,
		Metrics:   m,
	})

	res, err := o.Run(ctx)
	if err != nil {
		log.Error("run failed", "error", err)
		return err
	}
	if path := manifests.Path(res.Manifest); path != "" {
		guide.Note("Run manifest written to %s", path)
	}

	if cluster != nil {
		guide.Section("Transferring files to the cluster")
		if err := runPlanOn(ctx, cluster, transfer.UploadPlan(res.Sync, cfg.Paths.EpicovDir)); err != nil {
			return err
		}
	}

	log.Info("epicov-fetcher finished",
		"duration", time.Since(started).Round(time.Second),
		"new_files", len(res.Sync.NewFiles),
		"episet", res.EPISet,
	)
	return nil
}

func runPlanOn(ctx context.Context, exec transfer.Executor, plan *transfer.Plan) error {
	plan.Preview(os.Stdout)
	report, err := exec.Run(ctx, plan)
	if err != nil {
		return transferError{err}
	}
	slog.Debug("transfer report", "uploaded", len(report.Uploaded), "downloaded", len(report.Downloaded), "bytes", report.Bytes)
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := setup(args[0], false)
	if err != nil {
		return err
	}
	store, err := accession.NewStore(cfg.AccessionDir())
	if err != nil {
		return err
	}
	plans, err := fetcher.DryRun(store, cfg.Paths.Downloads, cfg.Download.Date, cfg.Download.Locations, cfg.Download.Limit)
	if err != nil {
		return err
	}
	fetcher.PrintPlans(cmd.OutOrStdout(), plans)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.Paths.EpicovDir == "" {
		return fmt.Errorf("%w: paths.epicov_dir", config.ErrMissingConfig)
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	store, err := accession.NewStore(cfg.AccessionDir())
	if err != nil {
		return err
	}
	n, err := catalog.Export(store, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d accessions to %s\n", n, args[0])
	return nil
}
