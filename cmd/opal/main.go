// Command opal runs the coding-agent runtime: one-shot prompts from the
// terminal, a JSON-RPC server over stdio, and saved-session management.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opal-dev/opal/pkg/agent"
	"github.com/opal-dev/opal/pkg/config"
	"github.com/opal-dev/opal/pkg/tools/tasks"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "opal",
	Short: "opal — coding-agent runtime",
	Long:  "Opal drives an interactive loop of prompt, LLM stream, and tool execution, with branching session history, steering, sub-agents, and context compaction.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $OPAL_CONFIG or <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opal %s\n", Version)
		},
	}
}

// runtime bundles everything the subcommands share.
type runtime struct {
	cfg     *config.FileConfig
	dataDir string
	logger  *slog.Logger
	mgr     *agent.Manager
	tasksDB *tasks.Store
}

// setup loads configuration and builds the manager. Call close when done.
func setup() (*runtime, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dataDir, err := config.ResolveDataDir(cfg)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if verbose || cfg.Features.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var tasksDB *tasks.Store
	if cfg.Features.Tasks {
		tasksDB, err = tasks.Open(config.TasksDB(dataDir))
		if err != nil {
			return nil, nil, err
		}
	}

	mgr := agent.NewManager(logger)
	rt := &runtime{cfg: cfg, dataDir: dataDir, logger: logger, mgr: mgr, tasksDB: tasksDB}
	cleanup := func() {
		mgr.Close()
		if tasksDB != nil {
			tasksDB.Close()
		}
	}
	return rt, cleanup, nil
}

func loadConfig() (*config.FileConfig, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("OPAL_CONFIG")
	}
	if path == "" {
		candidate := filepath.Join(config.DefaultDataDir(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
