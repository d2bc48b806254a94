package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds every server-level option plus the tag rule definitions once
// they are loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`
	// TagRules carries rule definitions written inline in the server file.
	TagRules TagRuleDocument `koanf:"tagRules"`

	InlineTagRules TagRuleDocument `koanf:"-"`
	// Rules is the merged bundle of inline and file-based tag rules.
	Rules TagRuleBundle `koanf:"-"`

	// RuleSources records which files contributed tag rules once the loader
	// resolves the configured sources.
	RuleSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions the
	// loader intentionally disabled so health checks can surface them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Tags      TagsConfig      `koanf:"tags"`
	Watermark WatermarkConfig `koanf:"watermark"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

type CacheConfig struct {
	TTLSeconds  int               `koanf:"ttlSeconds"`
	ReadTimeout time.Duration     `koanf:"readTimeout"`
	Memory      MemoryCacheConfig `koanf:"memory"`
	Redis       RedisCacheConfig  `koanf:"redis"`
}

// TTL converts TTLSeconds, where zero means the cache default.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type MemoryCacheConfig struct {
	// MaxSize accepts human sizes such as "64MiB" or "200 MB".
	MaxSize       string        `koanf:"maxSize"`
	SweepInterval time.Duration `koanf:"sweepInterval"`
}

// MaxBytes parses MaxSize.
func (c MemoryCacheConfig) MaxBytes() (int64, error) {
	return parseSize("server.cache.memory.maxSize", c.MaxSize)
}

// RedisCacheConfig points at the external tier. An empty Address runs the
// service on the in-process tier alone.
type RedisCacheConfig struct {
	Address           string         `koanf:"address"`
	Username          string         `koanf:"username"`
	Password          string         `koanf:"password"`
	DB                int            `koanf:"db"`
	TLS               RedisTLSConfig `koanf:"tls"`
	ConnectAttempts   int            `koanf:"connectAttempts"`
	ReconnectInterval time.Duration  `koanf:"reconnectInterval"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// TagsConfig announces where custom tag rule documents live and which extra
// tip templates to render.
type TagsConfig struct {
	RulesFolder   string   `koanf:"rulesFolder"`
	RulesFile     string   `koanf:"rulesFile"`
	TipsTemplates []string `koanf:"tipsTemplates"`
}

// WatermarkConfig controls uploads and the external render commands. Command
// arguments are templates; see watermark.CommandRenderer.
type WatermarkConfig struct {
	RenderTimeout time.Duration `koanf:"renderTimeout"`
	MaxUploadSize string        `koanf:"maxUploadSize"`
	ImageCommand  []string      `koanf:"imageCommand"`
	VideoCommand  []string      `koanf:"videoCommand"`
}

func (c WatermarkConfig) MaxUploadBytes() (int64, error) {
	return parseSize("server.watermark.maxUploadSize", c.MaxUploadSize)
}

// DefinitionSkip describes a configuration artifact that the loader
// intentionally ignored because it violated invariants (for example duplicate
// decorations across files or a condition that does not compile).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Tags.RulesFolder != "" && c.Server.Tags.RulesFile != "" {
		return errors.New("config: rulesFolder and rulesFile are mutually exclusive")
	}
	cache := c.Server.Cache
	if cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", cache.TTLSeconds)
	}
	if cache.ReadTimeout < 0 {
		return fmt.Errorf("config: server.cache.readTimeout invalid: %s", cache.ReadTimeout)
	}
	if _, err := cache.Memory.MaxBytes(); err != nil {
		return err
	}
	if cache.Redis.ConnectAttempts < 0 {
		return fmt.Errorf("config: server.cache.redis.connectAttempts invalid: %d", cache.Redis.ConnectAttempts)
	}
	if cache.Redis.ReconnectInterval < 0 {
		return fmt.Errorf("config: server.cache.redis.reconnectInterval invalid: %s", cache.Redis.ReconnectInterval)
	}
	if cache.Redis.TLS.CAFile != "" && !cache.Redis.TLS.Enabled {
		return errors.New("config: server.cache.redis.tls.caFile requires tls.enabled")
	}
	wm := c.Server.Watermark
	if wm.RenderTimeout <= 0 {
		return fmt.Errorf("config: server.watermark.renderTimeout invalid: %s", wm.RenderTimeout)
	}
	if _, err := wm.MaxUploadBytes(); err != nil {
		return err
	}
	if len(wm.ImageCommand) == 0 || strings.TrimSpace(wm.ImageCommand[0]) == "" {
		return errors.New("config: server.watermark.imageCommand required")
	}
	if len(wm.VideoCommand) == 0 || strings.TrimSpace(wm.VideoCommand[0]) == "" {
		return errors.New("config: server.watermark.videoCommand required")
	}
	return nil
}

// DefaultConfig returns the baseline values used when neither file nor env
// override a setting.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: CacheConfig{
				TTLSeconds:  int((24 * time.Hour).Seconds()),
				ReadTimeout: 2 * time.Second,
				Memory: MemoryCacheConfig{
					MaxSize:       "64MiB",
					SweepInterval: 5 * time.Minute,
				},
				Redis: RedisCacheConfig{
					ConnectAttempts:   3,
					ReconnectInterval: 30 * time.Second,
				},
			},
			Watermark: WatermarkConfig{
				RenderTimeout: 10 * time.Second,
				MaxUploadSize: "50MiB",
				ImageCommand: []string{
					"magick", "{{ .Input }}",
					"-gravity", "{{ .Gravity }}",
					"-fill", "rgba(255,255,255,{{ .Opacity }})",
					"-pointsize", "36",
					"-annotate", "+16+16", "{{ .AnnotateText }}",
					"{{ .Output }}",
				},
				VideoCommand: []string{
					"ffmpeg", "-y", "-loglevel", "error",
					"-i", "{{ .Input }}",
					"-vf", "drawtext=text='{{ .DrawText }}':fontcolor=white@{{ .Opacity }}:fontsize=36:{{ .Overlay }}",
					"-codec:a", "copy",
					"{{ .Output }}",
				},
			},
		},
	}
}

func parseSize(field, value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("config: %s required", field)
	}
	size, err := humanize.ParseBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if size == 0 || size > 1<<40 {
		return 0, fmt.Errorf("config: %s out of range: %s", field, trimmed)
	}
	return int64(size), nil
}
