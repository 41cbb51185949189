package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// DefaultIPCheckURL echoes the caller's public IP as JSON.
const DefaultIPCheckURL = "https://api.ipify.org?format=json"

// HTTPValidator asks an IP echo service which address a request arrives from.
type HTTPValidator struct {
	checkURL  string
	timeout   time.Duration
	userAgent string
}

// NewHTTPValidator creates a validator. Empty values fall back to defaults.
func NewHTTPValidator(checkURL string, timeout time.Duration, userAgent string) *HTTPValidator {
	if checkURL == "" {
		checkURL = DefaultIPCheckURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPValidator{checkURL: checkURL, timeout: timeout, userAgent: userAgent}
}

// ExitIP implements Validator. HTTP and SOCKS5 proxies are both dialed by
// net/http from the proxy URL, credentials included.
func (v *HTTPValidator) ExitIP(ctx context.Context, p *crawler.Proxy) (string, error) {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: v.timeout}).DialContext,
		TLSHandshakeTimeout: v.timeout,
		DisableKeepAlives:   true,
	}
	if p != nil {
		transport.Proxy = http.ProxyURL(p.URL())
	}
	client := &http.Client{Transport: transport, Timeout: v.timeout}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.checkURL, nil)
	if err != nil {
		return "", fmt.Errorf("new ip check request: %w", err)
	}
	if v.userAgent != "" {
		req.Header.Set("User-Agent", v.userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip check: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed below

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read ip check: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip check returned status %d", resp.StatusCode)
	}
	ip := parseIP(body)
	if ip == "" {
		return "", fmt.Errorf("ip check returned no address")
	}
	return ip, nil
}

// parseIP accepts {"ip": ...}, {"origin": ...} (httpbin) or a bare address.
func parseIP(body []byte) string {
	var payload struct {
		IP     string `json:"ip"`
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.IP != "" {
			return strings.TrimSpace(payload.IP)
		}
		if payload.Origin != "" {
			return strings.TrimSpace(strings.Split(payload.Origin, ",")[0])
		}
	}
	candidate := strings.TrimSpace(string(body))
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}
