//nolint:forbidigo // CLI command needs fmt.Print* for user output
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/spf13/cobra"

	"github.com/lattiam/rollout/internal/apiserver"
	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/internal/monitoring"
	"github.com/lattiam/rollout/internal/system"
	"github.com/lattiam/rollout/pkg/logging"
)

// Static errors for err113 compliance
var (
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrServerFailedToStart  = errors.New("server failed to start, check logs")
	ErrServerNotRunning     = errors.New("server is not running")
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the rollout API server",
		Long:  "Start, stop, and check the rollout API server",
	}

	cmd.AddCommand(
		newServerStartCommand(),
		newServerStopCommand(),
		newServerStatusCommand(),
	)

	return cmd
}

func newServerStartCommand() *cobra.Command {
	var port int
	var daemon bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the API server",
		Long: `Start the API server. With the embedded queue the server also runs the
workers; with the distributed queue it only accepts submissions and the
executions run on 'rollout worker' processes.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if daemon {
				return runServerDaemon(port)
			}
			return runServerForeground(port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from config)")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run server in background")
	return cmd
}

func newServerStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadStandardConfig()
			if err != nil {
				return err
			}
			if err := stopServer(cfg.PIDFile); err != nil {
				return err
			}
			fmt.Println("Server stopped")
			return nil
		},
	}
}

func newServerStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check API server status",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadStandardConfig()
			if err != nil {
				return err
			}
			return checkServerStatus(cfg.PIDFile, cfg.Port)
		},
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run executions from the distributed queue",
		Long: `Run a worker that takes submissions from the Redis queue, runs them and
answers cancel and rollback commands sent through the server.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWorker()
		},
	}
}

// serverConfig loads the standard config for long running processes
func serverConfig(port int) (*config.ServerConfig, error) {
	cfg, err := loadStandardConfig()
	if err != nil {
		return nil, err
	}
	if port > 0 {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServerForeground(port int) error { //nolint:funlen // Server initialization function with comprehensive setup
	logger := logging.NewLogger("server")

	cfg, err := serverConfig(port)
	if err != nil {
		return err
	}

	logger.Info("Starting rollout server v%s", config.AppVersion)
	logger.Info("  Port: %d", cfg.Port)
	logger.Info("  Queue: %s (%d workers)", cfg.Queue.Type, cfg.Queue.Workers)
	logger.Info("  Archive: %s", cfg.Archive.Type)
	if cfg.Debug {
		logger.Debug("State Directory: %s", cfg.StateDir)
		logger.Debug("History: %s", cfg.History.Path)
		logger.Debug("Log File: %s", cfg.GetLogPath())
	}

	if err := cfg.WriteConfigInfo(); err != nil {
		logger.Warn("Failed to write config info: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sys, err := system.NewBackgroundSystem(ctx, cfg, system.RoleServer)
	if err != nil {
		return fmt.Errorf("failed to create background system: %w", err)
	}

	disk := monitoring.NewDiskMonitor(monitoring.WatchedPaths(cfg))
	go disk.Run(ctx)

	opts := []apiserver.Option{
		apiserver.WithMetrics(sys.Collector),
		apiserver.WithHealthCheck("disk", disk.HealthCheck),
	}
	for name, check := range sys.HealthChecks() {
		opts = append(opts, apiserver.WithHealthCheck(name, check))
	}
	server, err := apiserver.NewAPIServer(cfg, sys.Service, opts...)
	if err != nil {
		_ = sys.Shutdown(ctx)
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := sys.Start(ctx); err != nil {
		_ = sys.Shutdown(ctx)
		return fmt.Errorf("failed to start background system: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received %s, shutting down", sig)
	case serveErr = <-errChan:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := server.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if err := sys.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("failed to shutdown background system: %w", err)
	}
	return serveErr
}

func runWorker() error {
	logger := logging.NewLogger("worker")

	cfg, err := serverConfig(0)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sys, err := system.NewBackgroundSystem(ctx, cfg, system.RoleWorker)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	if err := sys.Start(ctx); err != nil {
		_ = sys.Shutdown(ctx)
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.Info("Worker started with %d workers on %s", cfg.Queue.Workers, cfg.Queue.Type)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	sig := <-sigChan
	logger.Info("Received %s, draining running executions", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	return sys.Shutdown(stopCtx)
}

func runServerDaemon(port int) error { //nolint:funlen // Daemon setup function with comprehensive initialization
	cfg, err := serverConfig(port)
	if err != nil {
		return err
	}

	// savePID atomically checks and creates the PID file, so there is no
	// separate "already running" check here

	logPath := cfg.GetLogPath()
	if logPath == "" {
		logPath = filepath.Join(cfg.StateDir, "server.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 - logPath is from config
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		_ = logFile.Close()
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"server", "start", "--port", strconv.Itoa(cfg.Port)}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if debugMode {
		args = append(args, "--debug")
	}
	cmd := exec.Command(executable, args...) // #nosec G204 - executable is self (os.Executable), args are controlled
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detachDaemon(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("failed to start server: %w", err)
	}
	if err := logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}

	if err := savePID(cmd.Process.Pid, cfg.PIDFile); err != nil {
		_ = cmd.Process.Kill() // Ignore error - the start is being abandoned
		return fmt.Errorf("failed to save PID: %w", err)
	}

	// Give the child a moment to fail on bad config or a busy port
	time.Sleep(2 * time.Second)

	if !isServerRunning(cfg.PIDFile) {
		removePIDFile(cfg.PIDFile)
		return fmt.Errorf("%w at: %s", ErrServerFailedToStart, logPath)
	}

	fmt.Printf("Server started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("Log file: %s\n", logPath)
	fmt.Printf("PID file: %s\n", cfg.PIDFile)
	return nil
}

func stopServer(pidFile string) error {
	pid, err := readPIDFromFile(pidFile)
	if err != nil {
		return ErrServerNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := terminateProcess(process); err != nil {
		removePIDFile(pidFile)
		return ErrServerNotRunning
	}

	for range 60 {
		if !isProcessRunning(pid) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if isProcessRunning(pid) {
		_ = process.Kill() // Ignore error - the process may exit on its own
	}

	removePIDFile(pidFile)
	return nil
}

func checkServerStatus(pidFile string, port int) error {
	if pid, err := readPIDFromFile(pidFile); err == nil && isProcessRunning(pid) {
		fmt.Printf("Server process: running (PID %d)\n", pid)
	} else {
		fmt.Println("Server process: no PID file for a running server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://localhost:%d%s", port, config.APIEndpointHealth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := cleanhttp.DefaultClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s unreachable", ErrServerNotRunning, url)
	}
	defer func() { _ = resp.Body.Close() }() // Ignore error - response cleanup

	var health struct {
		Status     string `json:"status"`
		Components map[string]struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"components"`
		Queue map[string]interface{} `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	fmt.Printf("API: %s (HTTP %d)\n", health.Status, resp.StatusCode)
	for name, c := range health.Components {
		line := fmt.Sprintf("  %s: %s", name, c.Status)
		if c.Message != "" {
			line += " (" + c.Message + ")"
		}
		fmt.Println(line)
	}
	if depth, ok := health.Queue["depth"]; ok {
		fmt.Printf("  queue depth: %v\n", depth)
	}
	return nil
}

func isServerRunning(pidFile string) bool {
	pid, err := readPIDFromFile(pidFile)
	if err != nil {
		return false
	}
	return isProcessRunning(pid)
}

func savePID(pid int, pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	// O_EXCL fails if the file exists
	file, err := os.OpenFile(pidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 - pidFile path is from config
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create PID file %s: %w", pidFile, err)
		}
		existingPID, readErr := readPIDFromFile(pidFile)
		if readErr == nil && isProcessRunning(existingPID) {
			return fmt.Errorf("%w with PID %d (pid file: %s)", ErrServerAlreadyRunning, existingPID, pidFile)
		}
		// Stale PID file, remove and retry once
		_ = os.Remove(pidFile)                                                     // Ignore error - cleanup operation
		file, err = os.OpenFile(pidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 - pidFile path is from config
		if err != nil {
			return fmt.Errorf("failed to create PID file %s after removing stale file: %w", pidFile, err)
		}
	}
	defer func() { _ = file.Close() }() // Ignore error - file cleanup in defer

	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		_ = os.Remove(pidFile) // Ignore error - cleanup on failure
		return fmt.Errorf("failed to write PID: %w", err)
	}
	return nil
}

func readPIDFromFile(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile) // #nosec G304 - pidFile path is from config
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file %s: %w", pidFile, err)
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID from file %s (content: %q): %w", pidFile, pidStr, err)
	}
	return pid, nil
}

func removePIDFile(pidFile string) {
	_ = os.Remove(pidFile) // Ignore error - cleanup operation
}
