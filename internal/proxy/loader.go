package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cast"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// LoadFiles merges a credentials document {Port, Username, Password} with a
// host list [{hostname}, ...]. Every host shares the port, credentials and protocol.
func LoadFiles(credentialsPath, listPath string, protocol crawler.ProxyProtocol) ([]crawler.Proxy, error) {
	credsData, err := os.ReadFile(credentialsPath) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read proxy credentials: %w", err)
	}
	listData, err := os.ReadFile(listPath) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return Merge(credsData, listData, protocol)
}

// Merge is LoadFiles over in-memory documents.
func Merge(credsData, listData []byte, protocol crawler.ProxyProtocol) ([]crawler.Proxy, error) {
	var creds map[string]any
	if err := json.Unmarshal(credsData, &creds); err != nil {
		return nil, fmt.Errorf("decode proxy credentials: %w", err)
	}
	port, err := cast.ToIntE(lookup(creds, "port"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("proxy credentials: invalid Port %v", lookup(creds, "port"))
	}
	username := cast.ToString(lookup(creds, "username"))
	password := cast.ToString(lookup(creds, "password"))

	var list []map[string]any
	if err := json.Unmarshal(listData, &list); err != nil {
		return nil, fmt.Errorf("decode proxy list: %w", err)
	}
	out := make([]crawler.Proxy, 0, len(list))
	for i, entry := range list {
		host := strings.TrimSpace(cast.ToString(lookup(entry, "hostname")))
		if host == "" {
			return nil, fmt.Errorf("proxy list entry %d has no hostname", i)
		}
		out = append(out, crawler.Proxy{
			Hostname: host,
			Port:     port,
			Protocol: protocol,
			Username: username,
			Password: password,
			Status:   crawler.ProxyActive,
		})
	}
	return out, nil
}

// lookup finds key case-insensitively.
func lookup(m map[string]any, key string) any {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}
