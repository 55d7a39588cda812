package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeURL 返回条目的身份键：丢弃 fragment，同源资源保留 path + query，
// 其它来源保留完整地址。
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty request url")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	if parsed.Scheme == "" && parsed.Host == "" {
		if parsed.Path == "" {
			parsed.Path = "/"
		}
		if !strings.HasPrefix(parsed.Path, "/") {
			parsed.Path = "/" + parsed.Path
		}
	}
	return parsed.String(), nil
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}

// matchKey 返回可用于查找的键；非 GET 请求永远不会命中。
func matchKey(req Request) (string, bool) {
	if !isGet(req.Method) {
		return "", false
	}
	key, err := NormalizeURL(req.URL)
	if err != nil {
		return "", false
	}
	return key, true
}

func putKey(req Request) (string, error) {
	if !isGet(req.Method) {
		return "", ErrMethodNotCacheable
	}
	return NormalizeURL(req.URL)
}

func cloneResponse(resp Response) Response {
	cloned := Response{Status: resp.Status}
	if resp.Header != nil {
		cloned.Header = resp.Header.Clone()
	} else {
		cloned.Header = http.Header{}
	}
	if resp.Body != nil {
		cloned.Body = append([]byte(nil), resp.Body...)
	}
	if cloned.Status == 0 {
		cloned.Status = http.StatusOK
	}
	return cloned
}
