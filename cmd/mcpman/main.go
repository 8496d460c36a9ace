package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/ilocn/mcpman/internal/config"
	"github.com/ilocn/mcpman/internal/logbuf"
	"github.com/ilocn/mcpman/internal/logger"
	"github.com/ilocn/mcpman/internal/supervisor"
	"github.com/ilocn/mcpman/internal/tracing"
	"github.com/ilocn/mcpman/internal/web"
)

var version = "dev" // injected via ldflags at build time

// shutdownGrace bounds how long serve waits for the worker to exit on a
// signal before it is killed.
const shutdownGrace = 10 * time.Second

// Globals is bound into every Run method.
type Globals struct {
	Out io.Writer
}

// ─── Top-level CLI struct ────────────────────────────────────────────────────

type CLI struct {
	Serve   ServeCmd   `cmd:"" group:"manager" help:"Run the HTTP API and supervise the worker."`
	Call    CallCmd    `cmd:"" group:"client"  help:"Send a text command to a running manager."`
	Status  StatusCmd  `cmd:"" group:"client"  help:"Show worker status and recent logs of a running manager."`
	Config  ConfigCmd  `cmd:"" group:"maint"   help:"Manage the configuration file."`
	Version VersionCmd `cmd:"" group:"maint"   help:"Print version and platform info."`
}

var groups = []kong.Group{
	{Key: "manager", Title: "── MANAGER ───────────────────────────────────────────────────────────────────────"},
	{Key: "client", Title: "── CLIENT ────────────────────────────────────────────────────────────────────────"},
	{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
}

const description = "mcpman — supervisor and HTTP front end for a stdio MCP worker\n\nUSAGE:  mcpman <command> [arguments]"

// ─── serve ───────────────────────────────────────────────────────────────────

type ServeCmd struct {
	Config    string `help:"Config file (default ./mcpman.yaml, then ~/.config/mcpman/config.yaml)." type:"path"`
	Addr      string `help:"HTTP listen address (overrides config)."`
	Token     string `help:"Worker API token for autostart and token-less start requests." env:"LIFX_TOKEN"`
	Autostart bool   `help:"Start the worker immediately."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, used, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	c.apply(&cfg)

	level := cfg.Log.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	logger.Init(logger.Options{Level: level, Format: cfg.Log.Format})
	if used != "" {
		slog.Info("config loaded", slog.String("path", used))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(g.Out, "mcpman listening on %s. ctrl+c to exit.\n", cfg.Addr)
	return serve(ctx, cfg)
}

// apply lets explicit flags win over the loaded configuration.
func (c *ServeCmd) apply(cfg *config.Config) {
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	if c.Token != "" {
		cfg.Token = c.Token
	}
	if c.Autostart {
		cfg.Autostart = true
	}
}

// serve runs the manager until ctx is cancelled, then stops the worker and
// the HTTP server in that order.
func serve(ctx context.Context, cfg config.Config) error {
	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			slog.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	logs := logbuf.New(cfg.LogCapacity)
	sup := supervisor.New(cfg.Supervisor(), logs, supervisor.WithTracer(tp.Tracer()))

	if cfg.Autostart {
		if cfg.Token == "" {
			logs.Warn("Autostart skipped: no API token configured")
		} else if err := sup.Start(supervisor.Credentials{Token: cfg.Token}); err != nil {
			slog.Error("autostart failed", slog.Any("error", err))
		}
	}

	httpCtx, cancelHTTP := context.WithCancel(context.Background())
	defer cancelHTTP()
	served := make(chan error, 1)
	go func() {
		served <- web.Serve(httpCtx, cfg.Addr, web.New(sup, web.WithDefaultToken(cfg.Token)))
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logs.Info("Received shutdown signal, shutting down gracefully...")
	case serveErr = <-served:
		served = nil
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := sup.Shutdown(shutCtx); err != nil {
		slog.Warn("worker did not stop in time", slog.Any("error", err))
	}

	cancelHTTP()
	if served != nil {
		serveErr = <-served
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// ─── call ────────────────────────────────────────────────────────────────────

type CallCmd struct {
	Command []string      `arg:"" help:"Tool name followed by key:value arguments, e.g. set-state selector:all power:on."`
	Server  string        `help:"Manager address." default:"http://localhost:3001" env:"MCPMAN_SERVER"`
	Timeout time.Duration `help:"HTTP timeout." default:"30s"`
}

type callResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Content string `json:"content"`
	Error   string `json:"error"`
	Tool    string `json:"tool"`
}

func (c *CallCmd) Run(g *Globals) error {
	cl := newClient(c.Server, c.Timeout)
	var resp callResponse
	err := cl.do(context.Background(), "POST", "/api/mcp-command",
		map[string]string{"command": strings.Join(c.Command, " ")}, &resp)
	if err != nil {
		return fmt.Errorf("call %s: %w", c.Command[0], err)
	}
	if !resp.Success {
		return fmt.Errorf("call %s: %s", c.Command[0], resp.Error)
	}
	fmt.Fprintln(g.Out, resp.Message)
	if resp.Content != "" {
		fmt.Fprintln(g.Out, resp.Content)
	}
	return nil
}

// ─── status ──────────────────────────────────────────────────────────────────

type StatusCmd struct {
	Server  string        `help:"Manager address." default:"http://localhost:3001" env:"MCPMAN_SERVER"`
	Logs    int           `help:"Number of recent log entries to show." default:"10"`
	Timeout time.Duration `help:"HTTP timeout." default:"5s"`
}

type statusResponse struct {
	Status supervisor.Status `json:"status"`
	Logs   []logbuf.Entry    `json:"logs"`
}

func (c *StatusCmd) Run(g *Globals) error {
	var resp statusResponse
	if err := newClient(c.Server, c.Timeout).do(context.Background(), "GET", "/api/status", nil, &resp); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	printStatus(g.Out, resp, c.Logs)
	return nil
}

func printStatus(w io.Writer, resp statusResponse, nlogs int) {
	st := resp.Status
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	state := "stopped"
	switch {
	case st.Connected:
		state = "connected"
	case st.Running:
		state = "starting"
	}
	fmt.Fprintf(tw, "worker:\t%s\n", state)
	if st.PID != nil {
		fmt.Fprintf(tw, "pid:\t%d\n", *st.PID)
	}
	if st.StartTime != nil {
		fmt.Fprintf(tw, "started:\t%s (%s ago)\n", st.StartTime.Local().Format("2006-01-02 15:04:05"), time.Since(*st.StartTime).Round(time.Second))
	}
	if st.RunID != "" {
		fmt.Fprintf(tw, "run:\t%s\n", st.RunID)
	}
	tw.Flush()

	logs := resp.Logs
	if nlogs <= 0 || len(logs) == 0 {
		return
	}
	if len(logs) > nlogs {
		logs = logs[len(logs)-nlogs:]
	}
	fmt.Fprintln(w)
	for _, e := range logs {
		fmt.Fprintf(w, "%s  %-7s  %s\n", e.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(e.Level)), e.Message)
	}
}

// ─── config ──────────────────────────────────────────────────────────────────

type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write the default configuration file."`
}

type ConfigInitCmd struct {
	Path  string `help:"Target file (default ~/.config/mcpman/config.yaml)." type:"path"`
	Force bool   `help:"Overwrite an existing file."`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	path := c.Path
	if path == "" {
		path = config.UserConfigPath()
		if path == "" {
			return errors.New("cannot determine home directory; pass --path")
		}
	}
	if err := config.WriteDefault(path, c.Force); err != nil {
		if errors.Is(err, config.ErrExists) {
			return fmt.Errorf("%w (use --force to overwrite)", err)
		}
		return err
	}
	fmt.Fprintf(g.Out, "wrote %s\n", path)
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.Out, "mcpman %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

func main() {
	logger.Init(logger.Options{})

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("mcpman"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Bind(&Globals{Out: os.Stdout}),
		kong.ExplicitGroups(groups),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
