//go:build windows

package forward

import (
	"net/url"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// readOSSystemProxy reads the IE/WinINet proxy settings from the registry
// when the environment variables alone didn't resolve a proxy. The registry
// value is of the form "scheme=host:port;scheme=host:port" or a single
// "host:port" applying to every scheme.
func readOSSystemProxy(scheme string) (*url.URL, bool) {
	k, err := registry.OpenKey(registry.CURRENT_USER,
		`Software\Microsoft\Windows\CurrentVersion\Internet Settings`, registry.QUERY_VALUE)
	if err != nil {
		return nil, false
	}
	defer k.Close()

	enabled, _, err := k.GetIntegerValue("ProxyEnable")
	if err != nil || enabled == 0 {
		return nil, false
	}

	server, _, err := k.GetStringValue("ProxyServer")
	if err != nil || server == "" {
		return nil, false
	}

	for _, entry := range strings.Split(server, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "=") {
			return parseProxyHostPort(entry)
		}
		parts := strings.SplitN(entry, "=", 2)
		if strings.EqualFold(parts[0], scheme) {
			return parseProxyHostPort(parts[1])
		}
	}
	return nil, false
}

func parseProxyHostPort(hostport string) (*url.URL, bool) {
	if !strings.Contains(hostport, "://") {
		hostport = "http://" + hostport
	}
	u, err := url.Parse(hostport)
	if err != nil {
		return nil, false
	}
	return u, true
}
