package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"nclbk/internal/config"
	"nclbk/internal/domain"
)

const defaultConfigPath = "config.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// runFlags are the per-run switches shared by sync and watch. Only flags
// set on the command line override the config file.
type runFlags struct {
	command     string
	tags        []string
	filters     []string
	unavailable bool
	download    bool
	remove      bool
	outputDir   string
}

func (f *runFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.command, "command", "", "archiver executable, run as <command> -i <url>")
	flags.StringArrayVar(&f.tags, "tag", nil, "select bookmarks with this tag (repeatable)")
	flags.StringArrayVar(&f.filters, "filter", nil, "select bookmarks matching this search term (repeatable)")
	flags.BoolVar(&f.unavailable, "unavailable", false, "include bookmarks marked unavailable")
	flags.BoolVar(&f.download, "download", false, "archive each bookmark before removing it")
	flags.BoolVar(&f.remove, "remove", false, "delete bookmarks from the remote service")
	flags.StringVar(&f.outputDir, "output-dir", "", "directory the archiver runs in")
}

func (f *runFlags) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("command") {
		cfg.Archive.Command = f.command
	}
	if flags.Changed("tag") {
		cfg.Sync.Tags = f.tags
	}
	if flags.Changed("filter") {
		cfg.Sync.Filters = f.filters
	}
	if flags.Changed("unavailable") {
		cfg.Sync.Unavailable = f.unavailable
	}
	if flags.Changed("download") {
		cfg.Sync.Download = f.download
	}
	if flags.Changed("remove") {
		cfg.Sync.Remove = f.remove
	}
	if flags.Changed("output-dir") {
		cfg.Archive.OutputDir = f.outputDir
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "nclbk",
		Short: "Archive and prune Nextcloud bookmarks",
		Long: `nclbk reads bookmarks from a Nextcloud Bookmarks account, optionally
archives every matching URL with an external downloader, and optionally
deletes each bookmark once it has been archived.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: json or text")

	root.AddCommand(
		newSyncCmd(opts),
		newWatchCmd(opts),
		newTagsCmd(opts),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads the config file and applies the global flags. A missing
// config file is only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, *slog.Logger, error) {
	path := opts.configPath
	if !cmd.Flag("config").Changed {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}

	logger := setupLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, nil
}

// --- sync ---

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one archive-and-prune pass",
		Long: `Run one archive-and-prune pass over the selected bookmarks.

Without --remove nothing is deleted; the run only reports what it would
have deleted.

Examples:
  nclbk sync --tag video --download --command yt-dlp --output-dir ./videos
  nclbk sync --tag read-later --remove`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			d, err := buildDeps(ctx, cfg, logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			report, runErr := d.service(cfg, nil).Sync(ctx)
			if report != nil {
				if err := writeReport(cmd.OutOrStdout(), report, asJSON); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	flags.register(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")

	return cmd
}

func writeReport(w io.Writer, report *domain.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "run %s for %s\n", report.RunID, report.Account)
	fmt.Fprintf(w, "  fetched:        %d\n", report.Fetched)
	fmt.Fprintf(w, "  malformed:      %d\n", report.Malformed)
	fmt.Fprintf(w, "  archived:       %d\n", report.Archived)
	fmt.Fprintf(w, "  archive failed: %d\n", report.ArchiveFailed)
	fmt.Fprintf(w, "  deleted:        %d\n", report.Deleted)
	fmt.Fprintf(w, "  delete failed:  %d\n", report.DeleteFailed)
	fmt.Fprintf(w, "  kept:           %d\n", report.Kept)

	for _, item := range report.Items {
		switch item.State {
		case domain.StateArchiveFailed, domain.StateDeleteFailed:
			fmt.Fprintf(w, "  ! #%d %s %s: %s\n", item.BookmarkID, item.URL, item.State, item.Error)
		}
	}
	return nil
}

// --- watch ---

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run sync passes on an interval",
		Long: `Run a sync pass immediately and then every --interval until interrupted.
Prometheus metrics are served on metrics.listen when it is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), cfg)
			if cmd.Flags().Changed("interval") {
				cfg.Sync.Interval = interval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Sync.Interval <= 0 {
				return fmt.Errorf("%w: sync.interval must be positive", config.ErrInvalid)
			}

			return runWatch(cmd.Context(), cfg, logger, cmd.ErrOrStderr())
		},
	}

	flags.register(cmd.Flags())
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between sync passes (default from config, 1h)")

	return cmd
}

// --- tags ---

func newTagsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List all tags of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			client, err := newGateway(cfg, logger)
			if err != nil {
				return err
			}

			tags, err := client.ListTags(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, tag := range tags {
				fmt.Fprintln(out, tag)
			}
			return nil
		},
	}
}

// --- version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nclbk version %s\n", version)
		},
	}
}
