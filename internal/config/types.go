package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存存储驱动。
const (
	StorageDriverDisk   = "disk"
	StorageDriverMemory = "memory"
)

// 缓存角色：main 保存页面与普通静态资源，bulk 保存体积较大的二进制数据。
const (
	CacheRoleMain = "main"
	CacheRoleBulk = "bulk"
)

// GlobalConfig 描述全局运行时行为，所有缓存共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	CompressBulk       bool     `mapstructure:"CompressBulk"`
	Upstream           string   `mapstructure:"Upstream"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	ShareTargetPath    string   `mapstructure:"ShareTargetPath"`
	BulkSuffixes       []string `mapstructure:"BulkSuffixes"`
	BulkPrefixes       []string `mapstructure:"BulkPrefixes"`
	InternalSchemes    []string `mapstructure:"InternalSchemes"`
	ClientQueueSize    int      `mapstructure:"ClientQueueSize"`
}

// CacheConfig 对应一条 [[Cache]] 声明：缓存名（可含 %KEY% 占位符）、角色与预取 URL 列表。
type CacheConfig struct {
	Name string   `mapstructure:"Name"`
	Role string   `mapstructure:"Role"`
	URLs []string `mapstructure:"URLs"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig      `mapstructure:",squash"`
	Keys   map[string]string `mapstructure:"Keys"`
	Caches []CacheConfig     `mapstructure:"Cache"`
}

// CacheNames 返回按声明顺序排列的缓存名，供日志与诊断使用。
func (c *Config) CacheNames() []string {
	if c == nil || len(c.Caches) == 0 {
		return nil
	}
	result := make([]string, len(c.Caches))
	for i, entry := range c.Caches {
		result[i] = entry.Name
	}
	return result
}

// PrefetchCount 返回所有缓存声明的预取 URL 总数。
func (c *Config) PrefetchCount() int {
	if c == nil {
		return 0
	}
	total := 0
	for _, entry := range c.Caches {
		total += len(entry.URLs)
	}
	return total
}
