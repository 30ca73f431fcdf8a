// uxtrace-agent replays UI interactions, one JSON object per line, through
// the capture pipeline and delivers the resulting events to a collector.
//
//	uxtrace-agent --server ws://127.0.0.1:8080/ingest --api-key KEY < interactions.jsonl
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/vincentbai/uxtrace/internal/agent"
	"github.com/vincentbai/uxtrace/internal/capture"
	"github.com/vincentbai/uxtrace/internal/config"
	"github.com/vincentbai/uxtrace/internal/delivery"
	"github.com/vincentbai/uxtrace/internal/observability"
	"github.com/vincentbai/uxtrace/internal/session"
)

const (
	maxLineBytes = 4 << 20
	pollInterval = 10 * time.Millisecond
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		serverURL   string
		apiKey      string
		inputPath   string
		sessionFile string
		logLevel    string
		reconnect   string
		drainWait   time.Duration
	)
	flagSet := pflag.NewFlagSet("uxtrace-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&serverURL, "server", "", "collector websocket URL")
	flagSet.StringVar(&apiKey, "api-key", "", "API key sent with every event")
	flagSet.StringVarP(&inputPath, "input", "i", "-", "interaction stream, one JSON object per line (- for stdin)")
	flagSet.StringVar(&sessionFile, "session-file", "", "file holding the session id (empty for a fresh session)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&reconnect, "reconnect", "", "reconnect policy: none, fixed or backoff")
	flagSet.DurationVar(&drainWait, "drain-timeout", 5*time.Second, "how long to wait for queued events after the input ends")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("server") {
		cfg.ServerURL = serverURL
	}
	if flagSet.Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if flagSet.Changed("session-file") {
		cfg.SessionFile = sessionFile
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("reconnect") {
		cfg.Reconnect = reconnect
	}
	buffer, err := cfg.Buffer()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stderr)

	var storage session.Storage = session.NewMemoryStorage()
	if cfg.SessionFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SessionFile), 0o755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
		storage = session.NewFileStorage(cfg.SessionFile)
	}

	input := io.Reader(os.Stdin)
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	a := agent.New(agent.Config{
		ServerURL:      cfg.ServerURL,
		APIKey:         cfg.APIKey,
		UserAgent:      cfg.UserAgent,
		Storage:        storage,
		Buffer:         buffer,
		ThrottleWindow: cfg.ThrottleWindow,
		Reconnect:      policy,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		// Events stay queued; they are flushed if a later reconnect succeeds.
		logger.Warn().Err(err).Msg("collector not reachable")
	}

	dispatched, skipped, readErr := replay(ctx, a.Hub(), input)
	a.Hub().Dispatch(capture.Interaction{Type: capture.TypeBeforeUnload})
	a.Flush()
	pending := waitForDrain(a, drainWait)
	if err := a.Close(); err != nil {
		logger.Warn().Err(err).Msg("close failed")
	}

	logger.Info().
		Str("session", a.SessionID()).
		Str("dispatched", humanize.Comma(int64(dispatched))).
		Int("skipped", skipped).
		Str("undelivered", humanize.Comma(int64(pending))).
		Msg("replay finished")
	return readErr
}

// waitForDrain gives the open connection up to timeout to take the queue and
// returns what is left.
func waitForDrain(a *agent.Agent, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for a.Pending() > 0 && a.State() == delivery.Open && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
	return a.Pending()
}

// replay dispatches every well-formed line until EOF or cancellation.
func replay(ctx context.Context, hub *capture.Hub, input io.Reader) (dispatched, skipped int, err error) {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return dispatched, skipped, nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in capture.Interaction
		if err := json.Unmarshal(line, &in); err != nil || in.Type == "" {
			skipped++
			continue
		}
		hub.Dispatch(in)
		dispatched++
	}
	if err := scanner.Err(); err != nil {
		return dispatched, skipped, fmt.Errorf("failed to read input: %w", err)
	}
	return dispatched, skipped, nil
}
