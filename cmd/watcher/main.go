// Command watcher is Mnemosyne's activity-monitoring daemon: the Tier 1
// process that observes foreground-window and input activity, persists a
// durable local log, and uploads it to a remote ingestion endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"mnemosyne/internal/config"
	"mnemosyne/internal/idle"
	"mnemosyne/internal/idlecache"
	"mnemosyne/internal/inputmon"
	"mnemosyne/internal/pipeline"
	"mnemosyne/internal/platform"
	"mnemosyne/internal/platform/poll"
	platwin "mnemosyne/internal/platform/windows"
	"mnemosyne/internal/screenshot"
	"mnemosyne/internal/store"
	"mnemosyne/internal/telemetry"
	"mnemosyne/internal/transport"
	"mnemosyne/internal/windowmon"
	"mnemosyne/internal/workqueue"
)

// Version is the application version.
const Version = "4.0.0"

// CLI holds the command-line flags. DB, Redis, Endpoint and Platform,
// when non-empty, override the matching config-file setting; the other
// configuration options are set only through the config file.
type CLI struct {
	Config   string `default:".mnemosyne/config.yaml" help:"Path to the YAML configuration file."`
	DB       string `help:"Path to the SQLite database file."`
	Redis    string `help:"Redis address (e.g. localhost:6379)."`
	Endpoint string `help:"Base URL for the remote ingestion endpoint."`
	Platform string `help:"Platform observer strategy: auto, windows, or poll."`
	JSONLogs bool   `default:"true" help:"Emit structured JSON logs instead of text."`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("Mnemosyne activity-monitoring watcher"))

	logger := telemetry.NewLogger(cli.JSONLogs, slog.LevelInfo)
	logger.Info("watcher starting", "version", Version)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyOverrides(&cfg, cli)
	cfg.EnsureSessionID()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	localStore, err := store.Open(store.Options{
		Path:          cfg.DBPath,
		QueueMax:      cfg.QueueMax,
		BatchMax:      cfg.BatchMax,
		FlushInterval: cfg.BatchInterval,
	})
	if err != nil {
		logger.Error("failed to open local store", "error", err)
		os.Exit(1)
	}
	defer localStore.Close()

	var cache idlecache.Cache = idlecache.NoopCache{}
	if cfg.RedisAddr != "" {
		rc, err := idlecache.NewRedisCache(cfg.RedisAddr, "", 0)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		cache = rc
		defer rc.Close()
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	observer, err := buildObserver(cfg.Platform, cfg.WindowPoll)
	if err != nil {
		logger.Error("failed to construct platform observer", "error", err)
		os.Exit(1)
	}
	if err := observer.Start(); err != nil {
		logger.Error("failed to install platform observer", "error", err)
		os.Exit(1)
	}
	defer observer.Stop()

	inputMon := inputmon.New(cfg.ActivityTimeout)
	windowMon := windowmon.New(observer)

	idleDet, err := idle.New(cfg.IdleThreshold)
	if err != nil {
		logger.Error("failed to construct idle detector", "error", err)
		os.Exit(1)
	}

	queue := workqueue.New(cfg.WorkerCount*4, cfg.WorkerCount)
	queue.Start()
	defer queue.Close()

	transportClient := transport.New(cfg.EndpointURL, transport.Policy{
		Attempts: cfg.RetryAttempts,
		Delay:    cfg.RetryDelay,
	}, cache, cfg.SessionID, logger)

	recorder := telemetry.NewRecorder(logger)

	pl := pipeline.New(
		pipeline.Config{
			User:           currentUsername(),
			SessionID:      cfg.SessionID,
			UploadInterval: cfg.UploadInterval,
			UploadLimit:    cfg.UploadLimit,
		},
		observer, inputMon, windowMon, idleDet, localStore, queue, transportClient, cache, recorder, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pl.Start(ctx)
	defer pl.Stop()

	scheduler := pipeline.NewScreenshotScheduler(queue, transportClient, localStore, logger)
	producer := screenshot.New(
		cfg.ScreenshotInterval, dataDirOf(cfg.DBPath), currentUsername(), cfg.SessionID,
		func() bool { return inputMon.CurrentStatus() == inputmon.Active },
		localStore, scheduler, logger,
	)
	go producer.Run(ctx)
	defer producer.Stop()

	if w, err := config.NewWatcher(cli.Config, func(newCfg config.Config) {
		// Only logged: running components keep the values they started with.
		logger.Info("configuration reloaded", "path", cli.Config)
	}); err == nil {
		defer w.Close()
	}

	telemetry.NotifyReady()
	go statsLoop(ctx, recorder, localStore, queue)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	logger.Info("watcher started, press ctrl+c to stop gracefully")
	<-stop

	logger.Info("shutdown signal received, shutting down gracefully")
	shutdown(cancel, localStore, queue)
}

func applyOverrides(cfg *config.Config, cli CLI) {
	if cli.DB != "" {
		cfg.DBPath = cli.DB
	}
	if cli.Redis != "" {
		cfg.RedisAddr = cli.Redis
	}
	if cli.Endpoint != "" {
		cfg.EndpointURL = cli.Endpoint
	}
	if cli.Platform != "" {
		cfg.Platform = config.Platform(cli.Platform)
	}
}

func buildObserver(platformName config.Platform, pollInterval time.Duration) (platform.Observer, error) {
	switch platformName {
	case config.PlatformWindows:
		return platwin.New(50 * time.Millisecond), nil
	case config.PlatformPoll:
		return poll.New(pollInterval, pollWindowQuery, nil), nil
	case config.PlatformAuto, "":
		if runtimeIsWindows() {
			return platwin.New(50 * time.Millisecond), nil
		}
		return poll.New(pollInterval, pollWindowQuery, nil), nil
	default:
		return nil, fmt.Errorf("unknown platform strategy %q", platformName)
	}
}

func runtimeIsWindows() bool {
	return runtime.GOOS == "windows"
}

func pollWindowQuery() (uintptr, platform.WindowInfo) {
	return 0, platform.WindowInfo{User: poll.CurrentOSUser()}
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

func dataDirOf(dbPath string) string {
	dir := dbPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' || dir[i] == '\\' {
			return dir[:i]
		}
	}
	return "."
}

func statsLoop(ctx context.Context, recorder *telemetry.Recorder, localStore *store.Store, queue *workqueue.Queue) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, _ := localStore.Count()
			recorder.RecordStoreError(localStore.LastWriteError())
			recorder.LogStats(localStore.QueueLen()+queue.Count(), count)
			telemetry.NotifyWatchdog()
		}
	}
}

// shutdown runs an orderly cancellation sequence, bounded to an overall
// 30s force-exit.
func shutdown(cancel context.CancelFunc, localStore *store.Store, queue *workqueue.Queue) {
	done := make(chan struct{})

	go func() {
		cancel()
		queue.Close()
		localStore.ForceFlush()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		os.Exit(1)
	}
}
