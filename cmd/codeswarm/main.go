// codeswarm drives an autonomous multi-agent build: an orchestrator plans
// a project into subtasks, parallel workers implement them with tools, and
// a verifier gates the finish.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"codeswarm/internal/bus"
	"codeswarm/internal/config"
	"codeswarm/internal/logging"
	"codeswarm/internal/server"
	"codeswarm/internal/swarm"
)

const version = "0.1.0"

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

type cliFlags struct {
	dir     string
	model   string
	workers int
	verbose bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Printf("%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	rootCmd := &cobra.Command{
		Use:   "codeswarm <task description>",
		Short: "Autonomous multi-agent project builder",
		Long: fmt.Sprintf(`%s

codeswarm breaks a project description into subtasks, dispatches them to
parallel LLM workers with file, shell, search, web, and database tools,
reviews their output, and verifies the result builds.

%s
  codeswarm "a CLI todo app in Go with sqlite storage"
  codeswarm -C ./myapp "add a REST API on top of the existing code"
  codeswarm resume -C ./myapp
  codeswarm continue -C ./myapp "add dark mode"
  codeswarm serve --listen :8700`,
			bold("codeswarm "+version), bold("EXAMPLES:")),
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			task := ""
			for i, a := range args {
				if i > 0 {
					task += " "
				}
				task += a
			}
			return runBuild(flags, func(ctx context.Context, sw *swarm.Swarm) error {
				return sw.Build(ctx, flags.dir, task)
			})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.dir, "dir", "C", ".", "Project root directory")
	rootCmd.PersistentFlags().StringVarP(&flags.model, "model", "m", "", "Override the configured model")
	rootCmd.PersistentFlags().IntVarP(&flags.workers, "workers", "w", 0, "Override the worker count")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Stream worker output")

	rootCmd.AddCommand(newResumeCommand(flags))
	rootCmd.AddCommand(newContinueCommand(flags))
	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newResumeCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted build from its checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(flags, func(ctx context.Context, sw *swarm.Swarm) error {
				return sw.Resume(ctx, flags.dir)
			})
		},
	}
}

func newContinueCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "continue <change request>",
		Short: "Extend a finished build with new requirements",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			change := ""
			for i, a := range args {
				if i > 0 {
					change += " "
				}
				change += a
			}
			return runBuild(flags, func(ctx context.Context, sw *swarm.Swarm) error {
				return sw.Continue(ctx, flags.dir, change)
			})
		},
	}
}

func newServeCommand(flags *cliFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP dashboard: build API, event stream, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgMgr, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfgMgr.Snapshot().Listen
			}
			if listen == "" {
				listen = ":8700"
			}

			events := bus.New()
			sw := swarm.New(cfgMgr, events, logging.NewComponentLogger("swarm"))
			srv := server.NewServer(sw, cfgMgr, listen, logging.NewComponentLogger("server"))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Stop(shutdownCtx)
			}()

			fmt.Printf("%s dashboard on %s\n", green("listening"), bold(listen))
			return srv.Start()
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config, else :8700)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codeswarm %s\n", version)
		},
	}
}

func loadConfig(flags *cliFlags) (*config.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; set CODESWARM_API_KEY or OPENAI_API_KEY")
	}
	mgr := config.NewManager(cfg)
	mgr.Update(func(c *config.Config) {
		if flags.model != "" {
			c.Model = flags.model
		}
		if flags.workers > 0 {
			c.Workers = flags.workers
		}
	})
	return mgr, nil
}

func runBuild(flags *cliFlags, drive func(context.Context, *swarm.Swarm) error) error {
	cfgMgr, err := loadConfig(flags)
	if err != nil {
		return err
	}

	events := bus.New()
	render := newRenderer(flags.verbose)
	render.attach(events)

	sw := swarm.New(cfgMgr, events, logging.NewComponentLogger("swarm"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err = drive(ctx, sw)
	duration := time.Since(start)

	totals := sw.Accountant().Totals()
	usage := fmt.Sprintf("%d tokens (in: %d, out: %d) over %d calls",
		totals.TotalTokens, totals.PromptTokens, totals.CompletionTokens, totals.Calls)

	if err != nil {
		fmt.Printf("\n%s build failed after %s %s\n", red("✗"), formatDuration(duration), gray("· "+usage))
		return err
	}
	fmt.Printf("\n%s build finished in %s %s\n", green("✓"), formatDuration(duration), cyan("· "+usage))
	return nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%.0fms", d.Seconds()*1000)
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}
