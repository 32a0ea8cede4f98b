// Orchestra daemon.
// Launches the worker servers from the manifest, aggregates their tools, and
// serves the router over Streamable HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/reppolabs/orchestra/internal/audit"
	"github.com/reppolabs/orchestra/internal/config"
	"github.com/reppolabs/orchestra/internal/orchestrator"
	"github.com/reppolabs/orchestra/internal/registry"
	"github.com/reppolabs/orchestra/internal/session"
	"github.com/reppolabs/orchestra/internal/supervisor"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	// Handle CLI subcommands before starting the daemon.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("orchestra " + Version)
			return
		}
	}

	tmpLogger := log.New(os.Stderr, "[orchestra] ", log.LstdFlags|log.Lshortfile)
	cfg := loadConfig(tmpLogger)

	logger := setupLogger(logFilePath(cfg))
	logger.Println("Starting orchestra daemon...")
	logger.Printf("Manifest: %s", cfg.ManifestPath)

	specs, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		logger.Fatalf("Manifest: %v", err)
	}
	if len(specs) == 0 {
		logger.Printf("Warning: manifest %s defines no workers", cfg.ManifestPath)
	}

	// Optional invocation log
	var rec orchestrator.Recorder
	var auditLog *audit.Log
	if cfg.AuditDB != "" {
		auditLog, err = audit.New(cfg.AuditDB)
		if err != nil {
			logger.Fatalf("Audit log: %v", err)
		}
		rec = auditLog
		logger.Printf("Audit log: %s", cfg.AuditDB)
	}

	sup := supervisor.New(time.Duration(cfg.ShutdownGraceSeconds)*time.Second, logger)
	sessions := session.NewManager(time.Duration(cfg.CallTimeoutSeconds)*time.Second, Version, logger)
	reg := registry.New(logger)
	orch := orchestrator.New(sup, sessions, reg, rec, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ignore SIGHUP so the daemon keeps running when started via nohup.
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// All workers must come up before the router accepts a single request.
	if err := orch.Start(ctx, specs); err != nil {
		logger.Fatalf("Startup: %v", err)
	}
	logger.Printf("All workers up: %d worker(s), %d tool(s)", orch.WorkerCount(), orch.ToolCount())

	// Build the MCPServer exposing the three router operations.
	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})

	mcpServer := server.NewMCPServer(
		"orchestra",
		Version,
		server.WithInstructions(instructionsText()),
		server.WithHooks(hooks),
	)
	orchestrator.RegisterTools(mcpServer, orch, logger)

	if cfg.WatchManifest {
		go func() {
			err := config.WatchManifest(ctx, cfg.ManifestPath, logger, func() {
				specs, err := config.LoadManifest(cfg.ManifestPath)
				if err != nil {
					logger.Printf("Reload: manifest rejected: %v", err)
					return
				}
				orch.Reload(ctx, specs)
			})
			if err != nil {
				logger.Printf("Manifest watcher stopped: %v", err)
			}
		}()
	}

	httpShutdown := startHTTPServer(mcpServer, orch, cfg.HTTPPort, logger)

	<-ctx.Done()

	httpShutdown()
	if err := orch.Shutdown(); err != nil {
		logger.Printf("Warning: shutdown: %v", err)
	}
	if auditLog != nil {
		if err := auditLog.Close(); err != nil {
			logger.Printf("Warning: close audit log: %v", err)
		}
	}
	logger.Println("Daemon stopped")
}

func instructionsText() string {
	return strings.TrimSpace(`
This server fronts a fleet of worker MCP servers. Use discover_servers to see
the fleet, find_tools to inspect one worker's tools, and use_tool to execute a
tool on a worker.`)
}

// startHTTPServer serves the router over Streamable HTTP. Returns a shutdown
// function. Uses net.Listen to support port 0 (auto-assign) for tests and for
// running multiple instances.
func startHTTPServer(mcpServer *server.MCPServer, orch *orchestrator.Orchestrator, port int, logger *log.Logger) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  Clients connect at: http://localhost:%d/mcp", actualPort)

	// Stateless: every client request carries full context, so proxies like
	// orchestra-local can POST without holding an MCP session.
	streamSrv := server.NewStreamableHTTPServer(mcpServer, server.WithStateLess(true))

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","port":%d,"workers":%d,"tools":%d}`,
			actualPort, orch.WorkerCount(), orch.ToolCount())
	})

	httpServer := &http.Server{Handler: mux}

	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal (interactive use), logs go to both stderr and the
// file. When stderr is redirected (daemon mode via nohup), logs go only to the
// file to avoid duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[orchestra] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[orchestra] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[orchestra] ", log.LstdFlags|log.Lshortfile)
}

func logFilePath(cfg *config.Config) string {
	if cfg.LogFile != "" {
		return cfg.LogFile
	}
	return filepath.Join(config.GlobalStateDir(), "orchestra.log")
}

// loadConfig loads configuration from ORCHESTRA_CONFIG or defaults.
func loadConfig(logger *log.Logger) *config.Config {
	cfg := config.DefaultConfig()
	if configPath := os.Getenv("ORCHESTRA_CONFIG"); configPath != "" {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			logger.Printf("Warning: failed to load config %s: %v, using defaults", configPath, err)
			cfg = config.DefaultConfig()
		}
	}
	if manifest := os.Getenv("ORCHESTRA_MANIFEST"); manifest != "" {
		cfg.ManifestPath = manifest
	}
	return cfg
}

// runStatusCommand implements "orchestra status": asks a running daemon for
// its health summary.
func runStatusCommand() {
	logger := log.New(os.Stderr, "", 0)
	cfg := loadConfig(logger)

	url := fmt.Sprintf("http://localhost:%d/health", cfg.HTTPPort)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: daemon not reachable at %s: %v\n", url, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Port    int    `json:"port"`
		Workers int    `json:"workers"`
		Tools   int    `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "error: bad health response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("status=%s port=%d workers=%d tools=%d\n", health.Status, health.Port, health.Workers, health.Tools)
}
