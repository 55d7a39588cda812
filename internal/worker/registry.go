package worker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/offline-hub/offline-hub/internal/config"
)

// Role 区分缓存用途。
type Role string

const (
	RoleMain Role = config.CacheRoleMain
	RoleBulk Role = config.CacheRoleBulk
)

// CacheSpec 声明一个具名缓存及其安装时预取的 URL 列表。
type CacheSpec struct {
	Name string   `json:"name"`
	Role Role     `json:"role"`
	URLs []string `json:"urls"`
}

// Registry 是运行期不可变的缓存声明集合，其名称集合即激活后允许保留的缓存。
type Registry struct {
	specs []CacheSpec
	names map[string]struct{}
	main  int
	bulk  int
}

// NewRegistry 校验并固化缓存声明：必须恰好一个 main 缓存，至多一个 bulk 缓存。
func NewRegistry(specs []CacheSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one cache spec is required")
	}

	reg := &Registry{
		specs: make([]CacheSpec, 0, len(specs)),
		names: make(map[string]struct{}, len(specs)),
		main:  -1,
		bulk:  -1,
	}
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, errors.New("cache spec name is required")
		}
		if _, exists := reg.names[name]; exists {
			return nil, fmt.Errorf("duplicate cache spec %q", name)
		}

		idx := len(reg.specs)
		switch spec.Role {
		case RoleMain, "":
			if reg.main >= 0 {
				return nil, fmt.Errorf("cache %q: only one main cache allowed", name)
			}
			reg.main = idx
			spec.Role = RoleMain
		case RoleBulk:
			if reg.bulk >= 0 {
				return nil, fmt.Errorf("cache %q: only one bulk cache allowed", name)
			}
			reg.bulk = idx
		default:
			return nil, fmt.Errorf("cache %q: unknown role %q", name, spec.Role)
		}

		reg.names[name] = struct{}{}
		reg.specs = append(reg.specs, CacheSpec{
			Name: name,
			Role: spec.Role,
			URLs: append([]string(nil), spec.URLs...),
		})
	}
	if reg.main < 0 {
		return nil, errors.New("a main cache spec is required")
	}
	return reg, nil
}

// RegistryFromConfig 基于已展开缓存名的配置构建 Registry。
func RegistryFromConfig(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	specs := make([]CacheSpec, 0, len(cfg.Caches))
	for _, entry := range cfg.Caches {
		specs = append(specs, CacheSpec{
			Name: entry.Name,
			Role: Role(entry.Role),
			URLs: entry.URLs,
		})
	}
	return NewRegistry(specs)
}

// Specs 返回声明顺序的副本。
func (r *Registry) Specs() []CacheSpec {
	result := make([]CacheSpec, len(r.specs))
	for i, spec := range r.specs {
		spec.URLs = append([]string(nil), spec.URLs...)
		result[i] = spec
	}
	return result
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.specs))
	for i, spec := range r.specs {
		names[i] = spec.Name
	}
	return names
}

func (r *Registry) Contains(name string) bool {
	_, ok := r.names[name]
	return ok
}

func (r *Registry) Main() CacheSpec {
	return r.specs[r.main]
}

// Bulk 返回 bulk 缓存声明；未声明时第二个返回值为 false。
func (r *Registry) Bulk() (CacheSpec, bool) {
	if r.bulk < 0 {
		return CacheSpec{}, false
	}
	return r.specs[r.bulk], true
}

// BulkName 返回 bulk 响应应写入的缓存名，未声明 bulk 缓存时退回 main。
func (r *Registry) BulkName() string {
	if spec, ok := r.Bulk(); ok {
		return spec.Name
	}
	return r.Main().Name
}
