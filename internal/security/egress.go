// Package security は上流API向けの送信制御とプロフィール値の無害化を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EgressGuard はペルソナAPIへの送信を制御する。
// 有効時はsafeurlによりプライベート・ループバック・リンクローカル宛ての接続を
// DNS解決後のIPで拒否する。
type EgressGuard struct {
	enabled      bool
	allowedPorts []int
}

// NewEgressGuard はEgressGuardを生成する。
// allowedPortsが空の場合は80と443のみ許可する。
func NewEgressGuard(enabled bool, allowedPorts ...int) *EgressGuard {
	if len(allowedPorts) == 0 {
		allowedPorts = []int{80, 443}
	}
	return &EgressGuard{enabled: enabled, allowedPorts: allowedPorts}
}

// NewEgressGuardForURLs は設定済みの上流URLが使うポートを許可するEgressGuardを生成する。
func NewEgressGuardForURLs(enabled bool, rawURLs ...string) (*EgressGuard, error) {
	ports := []int{80, 443}
	for _, raw := range rawURLs {
		port, err := portOf(raw)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(ports, port) {
			ports = append(ports, port)
		}
	}
	return NewEgressGuard(enabled, ports...), nil
}

// Enabled はガードが有効かを返す。
func (g *EgressGuard) Enabled() bool {
	return g.enabled
}

// NewClient は上流呼び出し用のHTTPクライアントを生成する。
// timeoutはストリーミング応答全体を含む1リクエストの上限。
func (g *EgressGuard) NewClient(timeout time.Duration) *http.Client {
	if !g.enabled {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// allowedSchemes は上流URLで許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は上流URLに指定できないネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ValidateURL は設定された上流URLを起動時に静的検証する。
// ガード無効時はスキームとホストの形式のみ検証する。
func (g *EgressGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if !slices.Contains(allowedSchemes, strings.ToLower(parsed.Scheme)) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", parsed.Scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if !g.enabled {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip.String())
			}
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// portOf はURLの明示ポート、またはスキームの既定ポートを返す。
func portOf(rawURL string) (int, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid URL: %w", err)
	}
	if p := parsed.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid port in URL %s: %w", rawURL, err)
		}
		return port, nil
	}
	if strings.EqualFold(parsed.Scheme, "http") {
		return 80, nil
	}
	return 443, nil
}
