package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalEnvKeys restores camelCase keys that env var names cannot carry.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader":     "server.logging.correlationHeader",
	"server.cache.ttlseconds":              "server.cache.ttlSeconds",
	"server.cache.readtimeout":             "server.cache.readTimeout",
	"server.cache.memory.maxsize":          "server.cache.memory.maxSize",
	"server.cache.memory.sweepinterval":    "server.cache.memory.sweepInterval",
	"server.cache.redis.tls.cafile":        "server.cache.redis.tls.caFile",
	"server.cache.redis.connectattempts":   "server.cache.redis.connectAttempts",
	"server.cache.redis.reconnectinterval": "server.cache.redis.reconnectInterval",
	"server.tags.rulesfolder":              "server.tags.rulesFolder",
	"server.tags.rulesfile":                "server.tags.rulesFile",
	"server.tags.tipstemplates":            "server.tags.tipsTemplates",
	"server.watermark.rendertimeout":       "server.watermark.renderTimeout",
	"server.watermark.maxuploadsize":       "server.watermark.maxUploadSize",
	"server.watermark.imagecommand":        "server.watermark.imageCommand",
	"server.watermark.videocommand":        "server.watermark.videoCommand",
}

// Load assembles the effective configuration and resolves the tag rule sources.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), serverParserFor(path)); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (LISTINGKIT_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineTagRules = cfg.TagRules

	bundle, err := BuildTagRuleBundle(ctx, cfg.InlineTagRules, cfg.Server.Tags)
	if err != nil {
		return Config{}, err
	}
	cfg.Rules = bundle
	cfg.RuleSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// serverParserFor picks the parser from the extension, falling back to YAML
// for extensionless files.
func serverParserFor(path string) koanf.Parser {
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".json"):
		return kjson.Parser()
	case strings.HasSuffix(strings.ToLower(path), ".toml"):
		return toml.Parser()
	default:
		return yaml.Parser()
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cache": map[string]any{
				"ttlSeconds":  cfg.Server.Cache.TTLSeconds,
				"readTimeout": cfg.Server.Cache.ReadTimeout,
				"memory": map[string]any{
					"maxSize":       cfg.Server.Cache.Memory.MaxSize,
					"sweepInterval": cfg.Server.Cache.Memory.SweepInterval,
				},
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
					"connectAttempts":   cfg.Server.Cache.Redis.ConnectAttempts,
					"reconnectInterval": cfg.Server.Cache.Redis.ReconnectInterval,
				},
			},
			"tags": map[string]any{
				"rulesFolder":   cfg.Server.Tags.RulesFolder,
				"rulesFile":     cfg.Server.Tags.RulesFile,
				"tipsTemplates": cfg.Server.Tags.TipsTemplates,
			},
			"watermark": map[string]any{
				"renderTimeout": cfg.Server.Watermark.RenderTimeout,
				"maxUploadSize": cfg.Server.Watermark.MaxUploadSize,
				"imageCommand":  cfg.Server.Watermark.ImageCommand,
				"videoCommand":  cfg.Server.Watermark.VideoCommand,
			},
		},
	}
}
