// ABOUTME: Entry point for the mcp-composer server
// ABOUTME: Supervises composed MCP servers and aggregates their capabilities

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/mcp-composer/internal/composer"
	"github.com/2389/mcp-composer/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___   ___ _ __         ___ ___  _ __ ___  _ __   ___  ___  ___ _ __
| '_ ' _ \ / __| '_ \ _____ / __/ _ \| '_ ' _ \| '_ \ / _ \/ __|/ _ \ '__|
| | | | | | (__| |_) |_____| (_| (_) | | | | | | |_) | (_) \__ \  __/ |
|_| |_| |_|\___| .__/       \___\___/|_| |_| |_| .__/ \___/|___/\___|_|
               |_|                             |_|
`

// getConfigPath returns the path to the composer config file.
// Priority: COMPOSER_CONFIG env var > XDG_CONFIG_HOME/mcp-composer/composer.yaml > ~/.config/mcp-composer/composer.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COMPOSER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "composer.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-composer", "composer.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcp-composer <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the composer and its servers")
		fmt.Println("  check     Validate the config file and print the plan")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "check":
		err = runCheck()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Servers:  %d\n", len(cfg.Servers))
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Database: %s\n", cfg.Database.Path)
	}
	green.Print("    ▶ ")
	fmt.Printf("Authz:    %v\n", cfg.Authz.Enabled)
	fmt.Println()

	logger.Info("starting mcp-composer",
		"config", configPath,
		"servers", len(cfg.Servers),
	)

	runtime, err := composer.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("assembling composer: %w", err)
	}

	return runtime.Run(ctx)
}

func runCheck() error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		color.Red("✗ %v", err)
		return fmt.Errorf("config invalid")
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Println("✓ config valid")
	fmt.Println()

	for _, desc := range cfg.Descriptors() {
		green.Print("  ▶ ")
		fmt.Printf("%-20s", desc.ID)
		gray.Printf(" %s", desc.Kind)
		if len(desc.Command) > 0 {
			gray.Printf("  %s", desc.Command[0])
		} else {
			gray.Printf("  %s", desc.URL)
		}
		gray.Printf("  restart=%s", desc.RestartPolicy)
		fmt.Println()
	}

	fmt.Println()
	strategy := cfg.Composition.DefaultStrategy
	if strategy == "" {
		strategy = "prefix"
	}
	fmt.Printf("  conflict strategy: %s\n", strategy)
	if cfg.Authz.Enabled {
		fmt.Printf("  authorization:     enabled (%d extra roles)\n", len(cfg.Authz.Roles))
	} else {
		fmt.Printf("  authorization:     disabled\n")
	}

	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Handler-level attrs carry their group path already; record attrs get
	// qualified here.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + h.qualify(a.Key) + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

// qualify prefixes an attr key with the dotted group path.
func (h *colorHandler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = h.qualify(a.Key)
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
