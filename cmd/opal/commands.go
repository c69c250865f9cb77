package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opal-dev/opal/pkg/agent"
	"github.com/opal-dev/opal/pkg/rpc"
	"github.com/opal-dev/opal/pkg/tools"
	"github.com/opal-dev/opal/pkg/tools/tasks"
)

// runCmd runs a single prompt in a fresh session and streams the answer to
// stdout.
func runCmd() *cobra.Command {
	var model string
	var workDir string

	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run a one-shot prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			prompt := strings.Join(args, " ")
			cfg, err := sessionConfig(rt, workDir, model)
			if err != nil {
				return err
			}
			a, err := rt.mgr.StartSession(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sub := rt.mgr.Subscribe(ctx, a.ID())
			if err := a.Prompt(prompt); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					a.Abort()
					return nil
				case env, ok := <-sub.Events():
					if !ok {
						return nil
					}
					switch env.Event.Type {
					case agent.EventMessageDelta:
						fmt.Print(env.Event.Delta)
					case agent.EventToolExecutionStart:
						fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", env.Event.ToolName)
					case agent.EventAgentEnd:
						fmt.Println()
						return nil
					case agent.EventError:
						return fmt.Errorf("%s", env.Event.Reason)
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model override")
	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "working directory (default: cwd)")
	return cmd
}

// serveCmd runs the JSON-RPC server on stdin/stdout.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-RPC protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := rpc.NewServer(rt.mgr, rt.cfg, rt.dataDir, Version, rt.tasksDB, rt.logger)
			err = srv.Serve(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

// sessionsCmd lists saved sessions.
func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			infos, err := rt.mgr.ListSessions(rt.dataDir)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no saved sessions")
				return nil
			}
			for _, info := range infos {
				title := info.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %-40s  %3d msgs  %s\n",
					info.ID, title, info.MessageCount, info.ModTime.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

// sessionConfig mirrors the RPC server's session assembly for direct CLI
// use.
func sessionConfig(rt *runtime, workDir, model string) (agent.Config, error) {
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return agent.Config{}, err
		}
		workDir = wd
	}
	if model == "" {
		model = rt.cfg.Model
	}

	provider, err := rpc.BuildProvider(rt.cfg.Provider, rt.cfg.BaseURL)
	if err != nil {
		return agent.Config{}, err
	}

	reg := tools.NewRegistry()
	if rt.cfg.Features.Tasks && rt.tasksDB != nil {
		reg.Register(tasks.NewTool(rt.tasksDB))
	}
	if rt.cfg.Features.SubAgents {
		reg.Register(agent.NewSpawnTool(rt.mgr))
	}

	return agent.Config{
		WorkingDir:    workDir,
		Model:         model,
		ThinkingLevel: rt.cfg.ThinkingLevel,
		SystemPrompt:  rt.cfg.SystemPrompt,
		Provider:      provider,
		Tools:         reg,
		DataDir:       rt.dataDir,
		AutoSave:      rt.cfg.AutoSave,
		APIKey:        rt.cfg.APIKey,
		MaxTokens:     rt.cfg.MaxTokens,
		Features: agent.Features{
			SubAgents:  rt.cfg.Features.SubAgents,
			Compaction: rt.cfg.Features.Compaction,
			AutoTitle:  rt.cfg.Features.AutoTitle,
			Context:    rt.cfg.Features.Context,
			Skills:     rt.cfg.Features.Skills,
			Debug:      rt.cfg.Features.Debug,
		},
		Compaction: agent.CompactionConfig{
			KeepRecentTokens: rt.cfg.Compaction.KeepRecentTokens,
			TriggerRatio:     rt.cfg.Compaction.TriggerRatio,
			Instructions:     rt.cfg.Compaction.Instructions,
		},
	}, nil
}
