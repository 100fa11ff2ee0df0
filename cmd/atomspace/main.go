// Command atomspace serves, loads, queries and walks an atom space.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/i5heu/atomspace"
	"github.com/i5heu/atomspace/internal/config"
	"github.com/i5heu/atomspace/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyBackend    = "backend"
	logKeyPath       = "path"
	logKeyRemote     = "remote"
	logKeyNodes      = "nodes"
	logKeyLinks      = "links"
	logKeyError      = "error"
)

// globalFlags are shared by every subcommand. Non-empty values override the
// configuration file.
type globalFlags struct {
	configPath string
	backend    string
	dataPath   string
	remoteURL  string
	logLevel   string
	noColor    bool
	seed       uint64
	workers    int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "atomspace",
		Short: "Content-addressed hypergraph store",
		Long: `atomspace stores nodes and links addressed by the hash of their content,
matches variable patterns against them and walks them with traversal cursors.

The store is in memory by default. Use --backend badger --data DIR for a
persistent store or --backend remote --remote URL to talk to "atomspace serve".`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "Config file path (YAML)")
	pf.StringVar(&flags.backend, "backend", "", "Store backend (memory, badger, remote)")
	pf.StringVar(&flags.dataPath, "data", "", "Data directory for the badger backend")
	pf.StringVar(&flags.remoteURL, "remote", "", "Server URL for the remote backend")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&flags.noColor, "no-color", false, "Disable colored log output")
	pf.Uint64Var(&flags.seed, "seed", 0, "Seed for random walks (0 seeds randomly)")
	pf.IntVar(&flags.workers, "workers", 0, "Concurrent adds when loading atom files (0 = three per CPU)")

	cmd.AddCommand(
		serveCmd(flags),
		loadCmd(flags),
		queryCmd(flags),
		walkCmd(flags),
		countCmd(flags),
		searchCmd(flags),
	)
	return cmd
}

// settings merges the configuration file with the command line.
func (f *globalFlags) settings(cmd *cobra.Command) (config.Config, error) {
	conf, err := config.Load(f.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return config.Config{}, err
	}
	if f.backend != "" {
		conf.Backend = f.backend
	}
	if f.dataPath != "" {
		conf.Paths = []string{f.dataPath}
	}
	if f.remoteURL != "" {
		conf.RemoteURL = f.remoteURL
		if f.backend == "" {
			conf.Backend = string(atomspace.BackendRemote)
		}
	}
	if f.logLevel != "" {
		conf.LogLevel = f.logLevel
	}
	if f.noColor {
		conf.NoColor = true
	}
	if f.seed != 0 {
		conf.Seed = f.seed
	}
	if conf.Backend == string(atomspace.BackendBadger) && len(conf.Paths) == 0 {
		conf.Paths = []string{"./data"}
	}
	return conf, nil
}

// open builds the logger and starts the atom space described by the flags.
func (f *globalFlags) open(cmd *cobra.Command) (*atomspace.AtomSpace, config.Config, *slog.Logger, error) {
	conf, err := f.settings(cmd)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	level, err := logging.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), level, conf.NoColor)

	asConf, err := conf.AtomSpace(logger)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	as, err := atomspace.New(asConf)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	if err := as.Start(cmd.Context()); err != nil {
		return nil, config.Config{}, nil, err
	}
	logger.Debug("atom space opened",
		logKeyBackend, conf.Backend,
		logKeyPath, conf.Paths,
		logKeyRemote, conf.RemoteURL)
	return as, conf, logger, nil
}
