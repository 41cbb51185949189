package crawler

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyProtocol is the scheme spoken to the proxy.
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxySOCKS5 ProxyProtocol = "socks5"
)

// ProxyStatus is the health state tracked by the pool.
type ProxyStatus string

const (
	ProxyActive   ProxyStatus = "ACTIVE"
	ProxyDead     ProxyStatus = "DEAD"
	ProxyCooldown ProxyStatus = "COOLDOWN"
)

// ParseProxyProtocol maps a config string onto a protocol.
func ParseProxyProtocol(raw string) (ProxyProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "socks5", "socks5h":
		return ProxySOCKS5, nil
	case "http", "https":
		return ProxyHTTP, nil
	default:
		return "", fmt.Errorf("unsupported proxy protocol %q", raw)
	}
}

// Proxy is a single upstream endpoint plus the health data the pool keeps for it.
type Proxy struct {
	Hostname            string        `json:"hostname"`
	Port                int           `json:"port"`
	Protocol            ProxyProtocol `json:"protocol"`
	Username            string        `json:"username,omitempty"`
	Password            string        `json:"password,omitempty"`
	Status              ProxyStatus   `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	LastUsedAt          time.Time     `json:"last_used_at"`
	CooldownUntil       time.Time     `json:"cooldown_until"`
}

// Key identifies the proxy inside a pool.
func (p Proxy) Key() string {
	return net.JoinHostPort(p.Hostname, strconv.Itoa(p.Port))
}

// URL renders the proxy as a URL usable by http.Transport.Proxy.
func (p Proxy) URL() *url.URL {
	scheme := string(p.Protocol)
	if scheme == "" {
		scheme = string(ProxySOCKS5)
	}
	u := &url.URL{Scheme: scheme, Host: p.Key()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// String hides credentials.
func (p Proxy) String() string {
	return fmt.Sprintf("%s://%s", p.Protocol, p.Key())
}
