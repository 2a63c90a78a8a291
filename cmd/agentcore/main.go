// Agentcore is a personal-assistant agent: a conversation loop that
// lets an LLM call registered skills, gated by risk classification and
// human confirmation, with automatic fallback to a local provider.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	agentcore serve              Start the API server
//	agentcore init [dir]         Initialize a working directory with defaults
//	agentcore ask <question>     Ask a single question
//	agentcore -yes ask <text>    Ask, approving any confirmation prompts
//	agentcore version            Print version and build information
//	agentcore -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/agentcore/internal/agent"
	"github.com/nugget/agentcore/internal/api"
	"github.com/nugget/agentcore/internal/buildinfo"
	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/mqtt"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string
	approveAll bool
}

// run is the testable entry point.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests.
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-yes" || args[i] == "--yes":
			opts.approveAll = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: agentcore ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Agentcore - personal assistant agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: agentcore [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -yes              Approve confirmation prompts during ask (default: deny)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/agentcore/config.yaml, /etc/agentcore/config.yaml")
	return nil
}

// runAsk answers one question with an in-memory session. Confirmation
// prompts are answered from the -yes flag since nobody is attached to
// approve them interactively.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)
	logger.Info("config loaded", "path", cfgPath)

	c, err := build(cfg, logger, false)
	if err != nil {
		return err
	}
	defer c.Close()

	sub := c.bus.Subscribe(16)
	defer c.bus.Unsubscribe(sub)
	go autoResolve(sub, c.gate, opts.approveAll, logger)

	resp, err := c.loop.Run(ctx, &agent.Request{
		SessionKey: "cli",
		Message:    question,
		Source:     agent.SourceCLI,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// resolver is the part of the confirmation gate autoResolve needs.
type resolver interface {
	Resolve(confirmID string, approved bool) bool
}

// autoResolve answers every confirmation request seen on sub until
// the channel is closed.
func autoResolve(sub <-chan events.Event, r resolver, approve bool, logger *slog.Logger) {
	for ev := range sub {
		if ev.Kind != events.KindConfirmRequired {
			continue
		}
		id, _ := ev.Data["confirm_id"].(string)
		if id == "" {
			continue
		}
		logger.Info("answering confirmation",
			"confirm_id", id,
			"tool", ev.Data["tool"],
			"approved", approve,
		)
		r.Resolve(id, approve)
	}
}

// runServe wires the full agent and serves until ctx is cancelled.
func runServe(ctx context.Context, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)
	logger.Info("starting agentcore",
		"version", buildinfo.Version,
		"config", cfgPath,
	)

	c, err := build(cfg, logger, true)
	if err != nil {
		return err
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)

	c.selector.WatchAll(gctx, cfg.Providers.WatchInterval)

	if cfg.Agent.PersonaFile != "" {
		g.Go(func() error {
			return c.settings.WatchPersona(gctx, cfg.Agent.PersonaFile)
		})
	}

	g.Go(func() error {
		return c.recorder.Run(gctx)
	})

	server := api.NewServer(api.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Runner:    c.loop,
		Confirmer: c.gate,
		Providers: c.selector,
		Usage:     c.usage,
		Bus:       c.bus,
		Logger:    logger,
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mirror := mqtt.New(cfg.MQTT, instanceID, c.bus, c.gate, logger)
		g.Go(func() error {
			if err := mirror.Start(gctx); err != nil {
				// The mirror is optional; the agent keeps serving.
				logger.Error("mqtt mirror failed to start", "error", err)
				return nil
			}
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mirror.Stop(stopCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agentcore stopped")
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
