package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/robostudio/rsx/internal/config"
	"github.com/robostudio/rsx/internal/dispatch"
	"github.com/robostudio/rsx/internal/events"
	"github.com/robostudio/rsx/internal/interpreter"
	"github.com/robostudio/rsx/internal/locks"
	"github.com/robostudio/rsx/internal/logging"
	"github.com/robostudio/rsx/internal/probe"
	"github.com/robostudio/rsx/internal/prompt"
	"github.com/robostudio/rsx/internal/reconcile"
	"github.com/robostudio/rsx/internal/supervisor"
	"github.com/robostudio/rsx/internal/term"
	"github.com/robostudio/rsx/internal/tui"
	"github.com/robostudio/rsx/internal/workspace"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, prompt.ErrDeclined) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	cfg, err := config.Load(ctx, root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runtimeLogger, err := logging.New(ctx,
		logging.WithWorkspace(root),
		logging.WithMaxFiles(cfg.LogMaxFiles),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	app := newApp(cfg, root, runtimeLogger)
	cmd := newRootCommand(app)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// app bundles the wired runtime shared by every subcommand.
type app struct {
	cfg        *config.Config
	root       string
	logger     *log.Logger
	bus        *events.InMemoryBus
	prober     *probe.Prober
	dispatcher *dispatch.Dispatcher
	terminals  *term.Manager
}

func newApp(cfg *config.Config, root string, runtimeLogger *logging.RuntimeLogger) *app {
	logger := runtimeLogger.Logger
	bus := events.New(events.WithLogger(logger))
	confirm := prompt.HuhConfirmer{}
	locator := interpreter.NewLocator(logger)
	prober := probe.New(cfg, locator, workspace.FSReader{}, logger)
	sup := supervisor.New(bus, logger, runtimeLogger, confirm)
	reconciler := reconcile.New(cfg, locator, sup, confirm, workspace.FSSettings{}, bus, logger)
	dispatcher := dispatch.New(cfg, prober, reconciler, sup, locator, confirm, dispatch.NopSaver{}, bus, logger,
		dispatch.WithLocker(locks.NewManager()))

	return &app{
		cfg:        cfg,
		root:       root,
		logger:     logger,
		bus:        bus,
		prober:     prober,
		dispatcher: dispatcher,
		terminals:  term.NewManager(bus, sup, logger),
	}
}

func newRootCommand(app *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "rsx",
		Short:         "Robot project environment and toolchain runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newOpenCommand(app),
		newToolchainCommand(app, "init", "Initialize a new robot project"),
		newToolchainCommand(app, "sync", "Update the toolchain and synchronize dependencies"),
		newToolchainCommand(app, "sim", "Run the robot code in the simulator"),
		newDeployCommand(app),
		newDoctorCommand(app),
		newConsoleCommand(app),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		app.logger.With("command", cmd.Name(), "root", app.root).Debug("command invocation")
		return nil
	}

	return root
}

func newOpenCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Run the workspace-open checks and setup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.dispatcher.Open(cmd.Context(), app.root)
		},
	}
}

func newToolchainCommand(app *app, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app.dispatcher.MarkStartupComplete()
			return app.dispatcher.Invoke(cmd.Context(), app.root, name)
		},
	}
}

func newDeployCommand(app *app) *cobra.Command {
	var skipTests bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the robot code to the robot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name := "deploy"
			if skipTests {
				name = "deploy-skip-tests"
			}
			app.dispatcher.MarkStartupComplete()
			return app.dispatcher.Invoke(cmd.Context(), app.root, name)
		},
	}
	cmd.Flags().BoolVar(&skipTests, "skip-tests", false, "deploy without running tests first")
	return cmd
}

func newDoctorCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the workspace environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, probeFailed := app.prober.Probe(cmd.Context(), app.root)
			fmt.Fprint(cmd.OutOrStdout(), renderDoctorReport(app.cfg, report, probeFailed))
			return nil
		},
	}
}

func newConsoleCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Open the interactive toolchain console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app.dispatcher.MarkStartupComplete()
			return tui.Run(app.bus, app.terminals.Acquire())
		},
	}
}
