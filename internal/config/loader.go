package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、展开缓存名模板并执行校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Caches {
		applyCacheDefaults(&cfg.Caches[i])
	}

	if err := cfg.ExpandCacheNames(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver == StorageDriverDisk {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

// 默认值与原有页面约定保持一致：share target 路径、Tibia 数据文件后缀以及动态精灵图前缀。
var (
	defaultShareTargetPath = "/app/_share-target-handler"
	defaultBulkSuffixes    = []string{"/app/Tibia.spr", "/app/Tibia.pic", "/app/Tibia.dat"}
	defaultBulkPrefixes    = []string{"/spr/", "/pic/"}
	defaultInternalSchemes = []string{"chrome-extension", "chrome", "moz-extension", "safari-extension", "about"}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverDisk)
	v.SetDefault("CompressBulk", false)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallConcurrency", 8)
	v.SetDefault("ShareTargetPath", defaultShareTargetPath)
	v.SetDefault("BulkSuffixes", defaultBulkSuffixes)
	v.SetDefault("BulkPrefixes", defaultBulkPrefixes)
	v.SetDefault("InternalSchemes", defaultInternalSchemes)
	v.SetDefault("ClientQueueSize", 32)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 8
	}
	if g.ClientQueueSize == 0 {
		g.ClientQueueSize = 32
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverDisk
	}
	if strings.TrimSpace(g.ShareTargetPath) == "" {
		g.ShareTargetPath = defaultShareTargetPath
	}
	for i, scheme := range g.InternalSchemes {
		g.InternalSchemes[i] = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(scheme)), ":")
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.Name = strings.TrimSpace(c.Name)
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if c.Role == "" {
		c.Role = CacheRoleMain
	}
}

var keyPlaceholder = regexp.MustCompile(`%([A-Za-z0-9_.-]+)%`)

// ExpandCacheNames 将缓存名中的 %KEY% 占位符替换为 [Keys] 表中的值。
// Viper 会把表键统一转为小写，因此占位符按大小写不敏感匹配。
func (c *Config) ExpandCacheNames() error {
	for i := range c.Caches {
		entry := &c.Caches[i]
		expanded, err := expandTemplate(entry.Name, c.Keys)
		if err != nil {
			return newFieldError(cacheField(entry.Name, "Name"), err.Error())
		}
		entry.Name = expanded
	}
	return nil
}

func expandTemplate(name string, keys map[string]string) (string, error) {
	var missing []string
	expanded := keyPlaceholder.ReplaceAllStringFunc(name, func(token string) string {
		key := strings.ToLower(strings.Trim(token, "%"))
		for k, value := range keys {
			if strings.ToLower(k) == key {
				return value
			}
		}
		missing = append(missing, token)
		return token
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("未定义的缓存键: %s", strings.Join(missing, ","))
	}
	return expanded, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
