// Package config loads the client configuration from a YAML file with
// optional .env and CHATMIRROR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mqy/chatmirror/engine"
	"github.com/mqy/chatmirror/state"
)

const envPrefix = "CHATMIRROR_"

const (
	DefaultCacheFile     = "chatmirror.db"
	DefaultSideCacheFile = "chatmirror.bolt"
	DefaultRetentionCron = "0 4 * * *"
	DefaultRetentionAge  = 30 * 24 * time.Hour
	DefaultSendRate      = 5
	DefaultSendBurst     = 5
)

// SizeBytes accepts "64MB", "1.5 GiB" or a plain integer.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration accepts "100ms", "720h" or plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		// BaseURL is the REST root; WebsocketURL the event stream.
		BaseURL      string `yaml:"base_url"`
		WebsocketURL string `yaml:"websocket_url"`
		TokenHeader  string `yaml:"token_header"`
	} `yaml:"server"`

	Session struct {
		UserID string `yaml:"user_id"`
		Token  string `yaml:"token"`
	} `yaml:"session"`

	Storage struct {
		CacheFile     string   `yaml:"cache_file"`
		SideCacheFile string   `yaml:"side_cache_file"`
		DraftQuiet    Duration `yaml:"draft_quiet"`
		RetentionCron string   `yaml:"retention_cron"`
		RetentionAge  Duration `yaml:"retention_age"`
	} `yaml:"storage"`

	Memory struct {
		MaxMessages        int       `yaml:"max_messages"`
		MaxUsers           int       `yaml:"max_users"`
		MaxChannels        int       `yaml:"max_channels"`
		MaxServers         int       `yaml:"max_servers"`
		MaxChannelMessages int       `yaml:"max_channel_messages"`
		RetainedTail       int       `yaml:"retained_tail"`
		HardLimit          SizeBytes `yaml:"hard_limit"`
		CleanupInterval    Duration  `yaml:"cleanup_interval"`
		SampleInterval     Duration  `yaml:"sample_interval"`
	} `yaml:"memory"`

	Sync struct {
		PreloadLimit int      `yaml:"preload_limit"`
		DMBatchSize  int      `yaml:"dm_batch_size"`
		TypingTTL    Duration `yaml:"typing_ttl"`
		SendRate     float64  `yaml:"send_rate"`
		SendBurst    int      `yaml:"send_burst"`
	} `yaml:"sync"`
}

// Load reads path (which may be empty) and applies the environment on top.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	str("BASE_URL", &c.Server.BaseURL)
	str("WEBSOCKET_URL", &c.Server.WebsocketURL)
	str("TOKEN_HEADER", &c.Server.TokenHeader)
	str("USER_ID", &c.Session.UserID)
	str("TOKEN", &c.Session.Token)
	str("CACHE_FILE", &c.Storage.CacheFile)
	str("SIDE_CACHE_FILE", &c.Storage.SideCacheFile)
	str("RETENTION_CRON", &c.Storage.RetentionCron)

	if v, ok := os.LookupEnv(envPrefix + "RETENTION_AGE"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%sRETENTION_AGE: %w", envPrefix, err)
		}
		c.Storage.RetentionAge = d
	}
	if v, ok := os.LookupEnv(envPrefix + "HARD_LIMIT"); ok {
		s, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("%sHARD_LIMIT: %w", envPrefix, err)
		}
		c.Memory.HardLimit = s
	}
	if v, ok := os.LookupEnv(envPrefix + "MAX_MESSAGES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_MESSAGES: %w", envPrefix, err)
		}
		c.Memory.MaxMessages = n
	}
	return nil
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Server.WebsocketURL == "" {
		return errors.New("server.websocket_url is required")
	}
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if c.Session.Token == "" {
		return errors.New("session.token is required")
	}

	if c.Storage.CacheFile == "" {
		c.Storage.CacheFile = DefaultCacheFile
	}
	if c.Storage.SideCacheFile == "" {
		c.Storage.SideCacheFile = DefaultSideCacheFile
	}
	if c.Storage.RetentionCron == "" {
		c.Storage.RetentionCron = DefaultRetentionCron
	} else if c.Storage.RetentionCron != "off" && !gronx.IsValid(c.Storage.RetentionCron) {
		return fmt.Errorf("storage.retention_cron: invalid expression %q", c.Storage.RetentionCron)
	}
	if c.Storage.RetentionAge <= 0 {
		c.Storage.RetentionAge = Duration(DefaultRetentionAge)
	}

	if c.Memory.MaxMessages < 0 || c.Memory.MaxUsers < 0 || c.Memory.MaxChannels < 0 || c.Memory.MaxServers < 0 {
		return errors.New("memory: limits must not be negative")
	}
	if c.Memory.HardLimit < 0 {
		return errors.New("memory.hard_limit must not be negative")
	}

	if c.Sync.SendRate < 0 {
		return errors.New("sync.send_rate must not be negative")
	}
	if c.Sync.SendRate == 0 {
		c.Sync.SendRate = DefaultSendRate
	}
	if c.Sync.SendBurst <= 0 {
		c.Sync.SendBurst = DefaultSendBurst
	}
	return nil
}

// Limits overlays the configured memory limits on the defaults.
func (c *Config) Limits() state.Limits {
	l := state.DefaultLimits()
	m := c.Memory
	if m.MaxMessages > 0 {
		l.MaxMessages = m.MaxMessages
	}
	if m.MaxUsers > 0 {
		l.MaxUsers = m.MaxUsers
	}
	if m.MaxChannels > 0 {
		l.MaxChannels = m.MaxChannels
	}
	if m.MaxServers > 0 {
		l.MaxServers = m.MaxServers
	}
	if m.MaxChannelMessages > 0 {
		l.MaxChannelMessages = m.MaxChannelMessages
	}
	if m.RetainedTail > 0 {
		l.RetainedTail = m.RetainedTail
	}
	if m.HardLimit > 0 {
		l.HardLimitBytes = int64(m.HardLimit)
	}
	return l
}

func (c *Config) Engine() engine.Config {
	cron := c.Storage.RetentionCron
	if cron == "off" {
		cron = ""
	}
	return engine.Config{
		SelfID:          c.Session.UserID,
		Limits:          c.Limits(),
		CleanupInterval: c.Memory.CleanupInterval.Duration(),
		SampleInterval:  c.Memory.SampleInterval.Duration(),
		TypingTTL:       c.Sync.TypingTTL.Duration(),
		PreloadLimit:    c.Sync.PreloadLimit,
		DMBatchSize:     c.Sync.DMBatchSize,
		RetentionCron:   cron,
		RetentionAge:    c.Storage.RetentionAge.Duration(),
		SendRate:        c.Sync.SendRate,
		SendBurst:       c.Sync.SendBurst,
	}
}
