package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/debugpartner/internal/api"
	"github.com/kalambet/debugpartner/internal/config"
	"github.com/kalambet/debugpartner/internal/gemini"
	"github.com/kalambet/debugpartner/internal/insight"
	"github.com/kalambet/debugpartner/internal/mailer"
	"github.com/kalambet/debugpartner/internal/notify"
	"github.com/kalambet/debugpartner/internal/poller"
	"github.com/kalambet/debugpartner/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the debugpartner server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running debugpartner server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show debugpartner system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "debugpartner.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// logSender stands in for the mail client when no Resend API key is
// configured. Notifications are logged, not delivered.
type logSender struct {
	logger *slog.Logger
}

func (s *logSender) Send(_ context.Context, email mailer.Email) error {
	s.logger.Info("email delivery disabled, dropping notification",
		"to", email.To, "subject", email.Subject)
	return nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "debugpartner version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	apiToken, err := config.EnsureAPIToken(cfg.Storage.DataDir, cfg.Server.APIToken)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start a second instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("debugpartner is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("debugpartner is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Notification path: real mail client when Resend is configured,
	// log-only otherwise.
	var sender notify.Sender
	if cfg.Resend.APIKey != "" {
		sender = mailer.NewClient(cfg.Resend.APIKey)
	} else {
		slog.Warn("no Resend API key configured, notifications will be logged only")
		sender = &logSender{logger: logger}
	}
	dispatcher := notify.NewDispatcher(store, sender, cfg.Resend.From, cfg.Notify.DashboardURL, logger)
	digestJob := notify.NewDigestJob(store, sender, cfg.Resend.From, cfg.Notify.DashboardURL, logger)

	// Insight generation pipeline.
	llm := gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Model)
	generator := insight.NewGenerator(store, llm, dispatcher, logger)

	pollInterval, err := time.ParseDuration(cfg.Scheduler.PollInterval)
	if err != nil {
		slog.Warn("invalid poll interval, using default 1s", "value", cfg.Scheduler.PollInterval, "error", err)
		pollInterval = time.Second
	}
	sched := poller.NewPoller(store, generator, cfg.Scheduler.Concurrency, logger)
	go sched.Run(ctx, pollInterval)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Generator: generator,
		Poller:    sched,
		Digest:    digestJob,
		Notifier:  dispatcher,
		Token:     apiToken,
		Logger:    logger,
	})

	// MCP server on stdio, for agent clients.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Generator: generator,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "debugpartner listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("debugpartner is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop debugpartner (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to debugpartner (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.Gemini.Model)
	if cfg.Resend.APIKey != "" {
		printStatus("Email", "enabled (%s)", cfg.Resend.From)
	} else {
		printStatus("Email", "disabled")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if resp, err := c.get(context.Background(), "/problems?limit=100"); err == nil {
				var problems []struct {
					ID string
				}
				if decodeJSON(resp, &problems) == nil {
					printStatus("Active problems", "%s", countLabel(len(problems), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
