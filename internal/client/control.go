package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// VersionInfo is the response of GET /version.
type VersionInfo struct {
	Version string `json:"version"`
	Meta    bool   `json:"meta,omitempty"`
	Premium bool   `json:"premium,omitempty"`
}

// DelayRecord is one entry of a proxy's latency history.
type DelayRecord struct {
	Time  time.Time `json:"time"`
	Delay int       `json:"delay"`
}

// Proxy describes a proxy or proxy group. Now and All are set for groups.
type Proxy struct {
	Name    string        `json:"name"`
	Type    string        `json:"type"`
	Now     string        `json:"now,omitempty"`
	All     []string      `json:"all,omitempty"`
	UDP     bool          `json:"udp,omitempty"`
	History []DelayRecord `json:"history,omitempty"`
}

// IsGroup reports whether the proxy has selectable members.
func (p Proxy) IsGroup() bool {
	return len(p.All) > 0
}

// LastDelay returns the most recent latency sample in milliseconds, or 0.
func (p Proxy) LastDelay() int {
	if len(p.History) == 0 {
		return 0
	}
	return p.History[len(p.History)-1].Delay
}

type proxiesResponse struct {
	Proxies map[string]Proxy `json:"proxies"`
}

// Rule is one routing rule.
type Rule struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Proxy   string `json:"proxy"`
}

type rulesResponse struct {
	Rules []Rule `json:"rules"`
}

// DelayResult is the response of a latency test.
type DelayResult struct {
	Delay int `json:"delay"`
}

// Version returns the daemon version.
func (c *HTTPClient) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	err := c.do(ctx, http.MethodGet, "/version", nil, nil, &info)
	return info, err
}

// ListProxies returns every proxy and group sorted by name.
func (c *HTTPClient) ListProxies(ctx context.Context) ([]Proxy, error) {
	var resp proxiesResponse
	if err := c.do(ctx, http.MethodGet, "/proxies", nil, nil, &resp); err != nil {
		return nil, err
	}
	proxies := make([]Proxy, 0, len(resp.Proxies))
	for name, p := range resp.Proxies {
		if p.Name == "" {
			p.Name = name
		}
		proxies = append(proxies, p)
	}
	sort.Slice(proxies, func(i, j int) bool { return proxies[i].Name < proxies[j].Name })
	return proxies, nil
}

// SelectProxy switches a selector group to the named member.
func (c *HTTPClient) SelectProxy(ctx context.Context, group, name string) error {
	group, name = strings.TrimSpace(group), strings.TrimSpace(name)
	if group == "" || name == "" {
		return fmt.Errorf("client: select proxy: group and proxy name required")
	}
	body := map[string]string{"name": name}
	return c.do(ctx, http.MethodPut, "/proxies/"+url.PathEscape(group), nil, body, nil)
}

// ProxyDelay runs a latency test through the named proxy.
func (c *HTTPClient) ProxyDelay(ctx context.Context, name, testURL string, timeout time.Duration) (DelayResult, error) {
	query := url.Values{}
	query.Set("url", testURL)
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	var result DelayResult
	err := c.do(ctx, http.MethodGet, "/proxies/"+url.PathEscape(name)+"/delay", query, nil, &result)
	return result, err
}

// ListRules returns the active routing rules in evaluation order.
func (c *HTTPClient) ListRules(ctx context.Context) ([]Rule, error) {
	var resp rulesResponse
	if err := c.do(ctx, http.MethodGet, "/rules", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rules, nil
}

// GetConfigs returns the daemon's runtime configuration.
func (c *HTTPClient) GetConfigs(ctx context.Context) (map[string]any, error) {
	configs := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/configs", nil, nil, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// PatchConfigs updates runtime configuration keys such as mode or log-level.
func (c *HTTPClient) PatchConfigs(ctx context.Context, patch map[string]any) error {
	if len(patch) == 0 {
		return fmt.Errorf("client: patch configs: nothing to update")
	}
	return c.do(ctx, http.MethodPatch, "/configs", nil, patch, nil)
}
