package forward

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/config"
)

// localBypassAliases is what the "<local>" bypass token expands to.
var localBypassAliases = []string{"localhost", "127.0.0.1", "::1"}

// buildProxyFunc returns the func(*http.Request) (*url.URL, error) to install
// on an http.Transport, implementing the three proxy policies from spec C1.
func buildProxyFunc(p config.Proxy) (func(*http.Request) (*url.URL, error), error) {
	switch p.Type {
	case config.ProxyNone, "":
		return nil, nil

	case config.ProxyCustom:
		raw := p.URL
		if raw == "" {
			return nil, nil
		}
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		if p.Username != "" || p.Password != "" {
			parsed.User = url.UserPassword(p.Username, p.Password)
		}
		bypass := expandBypass(p.Bypass)
		return func(req *http.Request) (*url.URL, error) {
			if hostBypassed(req.URL.Hostname(), bypass) {
				return nil, nil
			}
			return parsed, nil
		}, nil

	case config.ProxySystem:
		bypass := expandBypass(p.Bypass)
		sysFunc := systemProxyFunc()
		return func(req *http.Request) (*url.URL, error) {
			if hostBypassed(req.URL.Hostname(), bypass) {
				return nil, nil
			}
			return sysFunc(req)
		}, nil

	default:
		return nil, nil
	}
}

// systemProxyFunc resolves from HTTP_PROXY/HTTPS_PROXY/NO_PROXY (via
// http.ProxyFromEnvironment, which already implements that contract), falling
// back to the OS-specific registry reader when the environment has nothing
// to say (Windows only; a no-op elsewhere).
func systemProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if u, err := http.ProxyFromEnvironment(req); err == nil && u != nil {
			return u, nil
		}
		if u, ok := readOSSystemProxy(req.URL.Scheme); ok {
			return u, nil
		}
		return nil, nil
	}
}

func expandBypass(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.EqualFold(e, "<local>") {
			out = append(out, localBypassAliases...)
			continue
		}
		out = append(out, e)
	}
	return out
}

func hostBypassed(host string, bypass []string) bool {
	host = strings.ToLower(host)
	for _, b := range bypass {
		if strings.EqualFold(b, host) {
			return true
		}
	}
	return false
}
