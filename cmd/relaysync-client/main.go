package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/agentworkforce/relaysync/internal/reconcile"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

func main() {
	serverURL := flag.String("url", envOrDefault("RELAYSYNC_URL", "ws://127.0.0.1:8080/v1/ws"), "sync server websocket URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYSYNC_TOKEN")), "bearer token")
	workspaceID := flag.String("workspace", strings.TrimSpace(os.Getenv("RELAYSYNC_WORKSPACE")), "workspace ID")
	resourceID := flag.String("resource", strings.TrimSpace(os.Getenv("RELAYSYNC_RESOURCE")), "resource whose document is mirrored")
	filePath := flag.String("file", strings.TrimSpace(os.Getenv("RELAYSYNC_FILE")), "local workbook JSON file")
	heartbeat := flag.Duration("heartbeat", durationEnv("RELAYSYNC_HEARTBEAT_INTERVAL", 30*time.Second), "presence heartbeat interval")
	debounce := flag.Duration("debounce", durationEnv("RELAYSYNC_DEBOUNCE", reconcile.DefaultDebounceWindow), "quiet window before a local edit is saved")
	timeout := flag.Duration("timeout", durationEnv("RELAYSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	reconnect := flag.Duration("reconnect", durationEnv("RELAYSYNC_RECONNECT_INTERVAL", 2*time.Second), "delay between reconnect attempts")
	reconnectJitter := flag.Float64("reconnect-jitter", floatEnv("RELAYSYNC_RECONNECT_JITTER", 0.2), "reconnect delay jitter ratio (0.0-1.0)")
	logFormat := flag.String("log-format", envOrDefault("RELAYSYNC_LOG_FORMAT", "console"), "log format: console or json")
	logLevel := flag.String("log-level", envOrDefault("RELAYSYNC_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	logger := newLogger(*logFormat, *logLevel)
	if strings.TrimSpace(*token) == "" {
		logger.Fatal().Msg("token is required (--token or RELAYSYNC_TOKEN)")
	}
	if strings.TrimSpace(*workspaceID) == "" {
		logger.Fatal().Msg("workspace is required (--workspace or RELAYSYNC_WORKSPACE)")
	}
	if strings.TrimSpace(*resourceID) == "" {
		logger.Fatal().Msg("resource is required (--resource or RELAYSYNC_RESOURCE)")
	}
	if strings.TrimSpace(*filePath) == "" {
		*filePath = *resourceID + ".json"
	}
	if *reconnect <= 0 {
		*reconnect = 2 * time.Second
	}
	*reconnectJitter = clampJitterRatio(*reconnectJitter)

	sessions := &sessionClient{}
	mirror, err := reconcile.NewMirror(sessions, reconcile.MirrorOptions{
		WorkspaceID:    *workspaceID,
		ResourceID:     *resourceID,
		Path:           *filePath,
		DebounceWindow: *debounce,
		RequestTimeout: *timeout,
		Logger:         &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize mirror")
	}
	replica := reconcile.NewReplica(*workspaceID)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = mirror.Run(rootCtx)
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		err := runSession(rootCtx, sessionOptions{
			url:         *serverURL,
			token:       *token,
			workspaceID: *workspaceID,
			heartbeat:   *heartbeat,
			timeout:     *timeout,
			logger:      logger,
		}, sessions, mirror, replica)
		if rootCtx.Err() != nil {
			break
		}
		delay := jitteredIntervalWithSample(*reconnect, *reconnectJitter, rng.Float64())
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("sync session ended")
		timer := time.NewTimer(delay)
		select {
		case <-rootCtx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if rootCtx.Err() != nil {
			break
		}
	}
	logger.Info().Msg("sync client stopping")
	wg.Wait()
}

type sessionOptions struct {
	url         string
	token       string
	workspaceID string
	heartbeat   time.Duration
	timeout     time.Duration
	logger      zerolog.Logger
}

// runSession holds one socket until it drops. The replica is refetched
// from scratch each time, as the server does not replay missed changes.
func runSession(ctx context.Context, opts sessionOptions, sessions *sessionClient, mirror *reconcile.Mirror, replica *reconcile.Replica) error {
	client, err := reconcile.Dial(ctx, reconcile.ClientOptions{
		URL:         opts.url,
		Token:       opts.token,
		DialTimeout: opts.timeout,
		Logger:      &opts.logger,
		Handler: func(frame reconcile.Frame) {
			replica.Apply(frame)
			mirror.HandleFrame(frame)
			if frame.Type == collab.TypeUserOnline || frame.Type == collab.TypeUserOffline {
				opts.logger.Info().Str("event", frame.Type).Strs("online", replica.Online()).Msg("presence changed")
			}
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	replica.Reset()
	joinCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	snapshot, err := client.Join(joinCtx, opts.workspaceID)
	cancel()
	if err != nil {
		return fmt.Errorf("join %s: %w", opts.workspaceID, err)
	}
	replica.SetMembers(snapshot)
	opts.logger.Info().Str("workspace", opts.workspaceID).Strs("online", snapshot.UserIDs).Msg("joined workspace")

	sessions.set(client)
	defer sessions.set(nil)
	if mirror.Dirty() {
		opts.logger.Info().Msg("local edit pending; skipping initial pull")
	} else if err := mirror.Pull(ctx); err != nil {
		return err
	}

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	go client.RunHeartbeats(sessionCtx, opts.workspaceID, opts.heartbeat)

	select {
	case <-ctx.Done():
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.timeout)
		defer cancel()
		if err := mirror.Flush(flushCtx); err != nil {
			opts.logger.Error().Err(err).Msg("final save failed")
		}
		return ctx.Err()
	case <-client.Done():
		return client.Err()
	}
}

// sessionClient forwards document calls to whichever socket is live, so
// the mirror and its pending edits outlive reconnects.
type sessionClient struct {
	current atomic.Pointer[reconcile.Client]
}

func (s *sessionClient) set(client *reconcile.Client) { s.current.Store(client) }

func (s *sessionClient) Load(ctx context.Context, workspaceID, resourceID string) (collab.Document, error) {
	client := s.current.Load()
	if client == nil {
		return collab.Document{}, fmt.Errorf("%w: not connected", collab.ErrClosed)
	}
	return client.Load(ctx, workspaceID, resourceID)
}

func (s *sessionClient) Save(ctx context.Context, workspaceID, resourceID string, body json.RawMessage, expectedVersion *int64) (collab.DocumentNotice, error) {
	client := s.current.Load()
	if client == nil {
		return collab.DocumentNotice{}, fmt.Errorf("%w: not connected", collab.ErrClosed)
	}
	return client.Save(ctx, workspaceID, resourceID, body, expectedVersion)
}

func newLogger(format, level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(parsed).With().Timestamp().Logger()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
