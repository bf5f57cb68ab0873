// Command lotse runs the administrative-law question-answering service.
//
// Usage:
//
//	lotse serve --config config.yaml
//	lotse ask "Was regelt BImSchG § 5?"
//	lotse validate --config config.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/logger"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/observability"
	"github.com/lotse-ki/lotse/pkg/server"
	"github.com/lotse-ki/lotse/pkg/wiring"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Ask      AskCmd      `cmd:"" help:"Run one query from the command line."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or json)." default:"simple"`
	Trace     bool   `help:"Enable trace export to stdout."`
}

func (cli *CLI) loadConfig() (*config.Config, error) {
	if cli.Config == "" {
		cfg := config.Default()
		return cfg, nil
	}
	return config.Load(cli.Config)
}

func (cli *CLI) setup(ctx context.Context, cfg *config.Config) error {
	levelStr := cfg.Logging.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	level, _ := logger.ParseLevel(levelStr)

	output := os.Stderr
	logFile := cfg.Logging.File
	if cli.LogFile != "" {
		logFile = cli.LogFile
	}
	if logFile != "" {
		f, _, err := logger.OpenLogFile(logFile)
		if err != nil {
			return err
		}
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	_, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:     cli.Trace,
		ServiceName: observability.DefaultServiceName,
	})
	return err
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("lotse version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Listen host." default:""`
	Port int    `help:"Listen port (overrides config when set)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if err := cli.setup(context.Background(), cfg); err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	app, err := wiring.Build(cfg)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer app.Close()

	srv := server.New(cfg.Server, app.Controller, app.Bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// AskCmd runs a single query and prints the response as JSON.
type AskCmd struct {
	Text   string `arg:"" help:"The question to answer."`
	Locale string `help:"Response language hint."`
}

func (c *AskCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if err := cli.setup(context.Background(), cfg); err != nil {
		return err
	}

	app, err := wiring.Build(cfg)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	responses, err := app.Controller.Run(ctx, model.Query{
		Text:   c.Text,
		Locale: c.Locale,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if len(responses) == 1 {
		return enc.Encode(responses[0])
	}
	return enc.Encode(responses)
}

// ValidateCmd checks the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("validate requires --config")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: configuration is valid\n", cli.Config)
	return nil
}

func main() {
	// A .env next to the binary keeps credentials out of the config file.
	_ = godotenv.Load()

	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("lotse"),
		kong.Description("Intelligent question answering for German administrative law."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
