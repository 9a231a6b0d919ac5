// Package config loads and validates the agent's configuration from a YAML
// file, applying CLI flag overrides and watching the file for edits.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Platform selects which PlatformObserver strategy to construct.
type Platform string

const (
	PlatformAuto    Platform = "auto"
	PlatformWindows Platform = "windows"
	PlatformPoll    Platform = "poll"
)

// Config holds every tunable governing the agent's behavior plus the
// local paths it needs to run. Durations are exposed in Go's native
// time.Duration; the YAML wire format uses the plain numeric unit each
// key name documents (see UnmarshalYAML), never raw nanoseconds.
type Config struct {
	DBPath    string
	RedisAddr string
	Platform  Platform
	SessionID string

	EndpointURL string

	ActivityTimeout    time.Duration
	IdleThreshold      time.Duration
	WindowPoll         time.Duration
	BatchMax           int
	BatchInterval      time.Duration
	UploadInterval     time.Duration
	UploadLimit        int
	RetryAttempts      int
	RetryDelay         time.Duration
	WorkerCount        int
	ScreenshotInterval time.Duration
	QueueMax           int
}

// wireConfig mirrors Config for YAML decoding, with every duration
// field expressed as a plain integer in the unit its yaml key name
// documents (ms or s), matching the on-disk config contract.
type wireConfig struct {
	DBPath    string   `yaml:"db_path"`
	RedisAddr string   `yaml:"redis_addr"`
	Platform  Platform `yaml:"platform"`
	SessionID string   `yaml:"session_id"`

	EndpointURL string `yaml:"endpoint_url"`

	ActivityTimeoutMS    int64 `yaml:"activity_timeout_ms"`
	IdleThresholdS       int64 `yaml:"idle_threshold_s"`
	WindowPollMS         int64 `yaml:"window_poll_ms"`
	BatchMax             int   `yaml:"batch_max"`
	BatchIntervalMS      int64 `yaml:"batch_interval_ms"`
	UploadIntervalMS     int64 `yaml:"upload_interval_ms"`
	UploadLimit          int   `yaml:"upload_limit"`
	RetryAttempts        int   `yaml:"retry_attempts"`
	RetryDelayMS         int64 `yaml:"retry_delay_ms"`
	WorkerCount          int   `yaml:"worker_count"`
	ScreenshotIntervalMS int64 `yaml:"screenshot_interval_ms"`
	QueueMax             int   `yaml:"queue_max"`
}

// UnmarshalYAML decodes onto the current field values (so that unset
// keys keep whatever Config already held, typically the documented
// defaults), converting each duration field from the unit its yaml key
// documents rather than yaml.v3's default raw-nanosecond int64 decode.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	raw := wireConfig{
		DBPath:               c.DBPath,
		RedisAddr:            c.RedisAddr,
		Platform:             c.Platform,
		SessionID:            c.SessionID,
		EndpointURL:          c.EndpointURL,
		ActivityTimeoutMS:    c.ActivityTimeout.Milliseconds(),
		IdleThresholdS:       int64(c.IdleThreshold / time.Second),
		WindowPollMS:         c.WindowPoll.Milliseconds(),
		BatchMax:             c.BatchMax,
		BatchIntervalMS:      c.BatchInterval.Milliseconds(),
		UploadIntervalMS:     c.UploadInterval.Milliseconds(),
		UploadLimit:          c.UploadLimit,
		RetryAttempts:        c.RetryAttempts,
		RetryDelayMS:         c.RetryDelay.Milliseconds(),
		WorkerCount:          c.WorkerCount,
		ScreenshotIntervalMS: c.ScreenshotInterval.Milliseconds(),
		QueueMax:             c.QueueMax,
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	c.DBPath = raw.DBPath
	c.RedisAddr = raw.RedisAddr
	c.Platform = raw.Platform
	c.SessionID = raw.SessionID
	c.EndpointURL = raw.EndpointURL
	c.ActivityTimeout = time.Duration(raw.ActivityTimeoutMS) * time.Millisecond
	c.IdleThreshold = time.Duration(raw.IdleThresholdS) * time.Second
	c.WindowPoll = time.Duration(raw.WindowPollMS) * time.Millisecond
	c.BatchMax = raw.BatchMax
	c.BatchInterval = time.Duration(raw.BatchIntervalMS) * time.Millisecond
	c.UploadInterval = time.Duration(raw.UploadIntervalMS) * time.Millisecond
	c.UploadLimit = raw.UploadLimit
	c.RetryAttempts = raw.RetryAttempts
	c.RetryDelay = time.Duration(raw.RetryDelayMS) * time.Millisecond
	c.WorkerCount = raw.WorkerCount
	c.ScreenshotInterval = time.Duration(raw.ScreenshotIntervalMS) * time.Millisecond
	c.QueueMax = raw.QueueMax

	return nil
}

// Default returns the documented out-of-the-box defaults.
func Default() Config {
	return Config{
		DBPath:             ".mnemosyne/activity.db",
		Platform:           PlatformAuto,
		ActivityTimeout:    30 * time.Second,
		IdleThreshold:      300 * time.Second,
		WindowPoll:         1 * time.Second,
		BatchMax:           50,
		BatchInterval:      10 * time.Second,
		UploadInterval:     300 * time.Second,
		UploadLimit:        500,
		RetryAttempts:      3,
		RetryDelay:         5 * time.Second,
		WorkerCount:        3,
		ScreenshotInterval: 2 * time.Second,
		QueueMax:           10000,
	}
}

// Load reads a YAML file over the defaults; a missing file is not an error
// (the agent still runs with defaults, as long as EndpointURL is supplied
// via override).
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations that would make the pipeline unsafe to
// run: a non-positive activity timeout, idle threshold, batch interval,
// batch size, worker count, queue size or retry count, or an empty
// endpoint URL. Window poll, upload, retry-delay and screenshot intervals
// are not checked here.
func (c Config) Validate() error {
	if c.ActivityTimeout <= 0 {
		return fmt.Errorf("activity_timeout_ms must be positive")
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("idle_threshold_s must be positive")
	}
	if c.BatchMax <= 0 {
		return fmt.Errorf("batch_max must be positive")
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval_ms must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive")
	}
	if c.QueueMax <= 0 {
		return fmt.Errorf("queue_max must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry_attempts must be positive")
	}
	if c.EndpointURL == "" {
		return fmt.Errorf("endpoint_url must be set")
	}
	return nil
}

// EnsureSessionID fills in an opaque session identifier when the config
// file didn't pin one; session-id derivation is treated as opaque
// configuration rather than derived from machine identity.
func (c *Config) EnsureSessionID() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
}

// Watcher re-reads and validates the file on disk whenever it changes and
// hands each valid result to its onLoad callback. It applies nothing
// itself; what happens to the new values is up to onLoad.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	onLoad  func(Config)
}

// NewWatcher starts watching path and invokes onLoad with a freshly parsed
// Config every time the file is written or created and passes Validate.
func NewWatcher(path string, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}

	w := &Watcher{watcher: fw, path: path, onLoad: onLoad}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			if err := cfg.Validate(); err != nil {
				continue
			}
			w.onLoad(cfg)

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
