package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StorageDriver {
	case StorageDriverDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverMemory:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 disk/memory")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.ClientQueueSize <= 0 {
		return newFieldError("Global.ClientQueueSize", "必须大于 0")
	}
	if !strings.HasPrefix(g.ShareTargetPath, "/") {
		return newFieldError("Global.ShareTargetPath", "必须以 / 开头")
	}
	for _, prefix := range g.BulkPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError("Global.BulkPrefixes", fmt.Sprintf("%s 必须以 / 开头", prefix))
		}
	}

	if len(c.Caches) == 0 {
		return errors.New("至少需要配置一个 Cache")
	}

	seenNames := map[string]struct{}{}
	roles := map[string]int{}
	for i := range c.Caches {
		entry := &c.Caches[i]
		if entry.Name == "" {
			return newFieldError("Cache[].Name", "不能为空")
		}
		if strings.ContainsAny(entry.Name, `/\`) || entry.Name == "." || entry.Name == ".." {
			return newFieldError(cacheField(entry.Name, "Name"), "不允许包含路径分隔符")
		}
		if _, exists := seenNames[entry.Name]; exists {
			return newFieldError(cacheField(entry.Name, "Name"), "重复")
		}
		seenNames[entry.Name] = struct{}{}

		switch entry.Role {
		case CacheRoleMain, CacheRoleBulk:
			roles[entry.Role]++
		default:
			return newFieldError(cacheField(entry.Name, "Role"), "仅支持 main/bulk")
		}

		seenURLs := map[string]struct{}{}
		for _, raw := range entry.URLs {
			if err := validateResourceURL(raw); err != nil {
				return fmt.Errorf("%s: %w", cacheField(entry.Name, "URLs"), err)
			}
			if _, exists := seenURLs[raw]; exists {
				return newFieldError(cacheField(entry.Name, "URLs"), fmt.Sprintf("重复资源 %s", raw))
			}
			seenURLs[raw] = struct{}{}
		}
	}

	if roles[CacheRoleMain] != 1 {
		return newFieldError("Cache[].Role", "必须且只能声明一个 main 缓存")
	}
	if roles[CacheRoleBulk] > 1 {
		return newFieldError("Cache[].Role", "最多声明一个 bulk 缓存")
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateResourceURL 只接受站内绝对路径或 http/https 绝对地址。
func validateResourceURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("资源地址不能为空")
	}
	if strings.HasPrefix(raw, "/") {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("资源地址必须以 / 开头或使用 http/https: %s", raw)
	}
	return nil
}
