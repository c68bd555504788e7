// Package probe performs cheap reachability and health checks against a
// single instance's host port. Probes never mutate anything and are safe to
// run concurrently with every other operation.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// runningSentinel is the status value a healthy instance reports from its
// health endpoint.
const runningSentinel = "running"

// HealthPath is the endpoint probed by Healthy.
const HealthPath = "/api/status"

// Profile bounds a probe's patience. It is passed into every call rather
// than held as state, so bulk listings and interactive checks can share one
// Prober.
type Profile struct {
	Name           string
	ConnectTimeout time.Duration
	HTTPTimeout    time.Duration
	Retries        int

	// SkipHealth makes state resolution stop at reachability, trading
	// health-check depth for speed during bulk listings.
	SkipHealth bool
}

// Fast is the profile for bulk listings: short timeouts, no retries, no
// health endpoint check.
var Fast = Profile{
	Name:           "fast",
	ConnectTimeout: 500 * time.Millisecond,
	HTTPTimeout:    2 * time.Second,
	Retries:        0,
	SkipHealth:     true,
}

// Patient is the profile for interactive and administrative checks.
var Patient = Profile{
	Name:           "patient",
	ConnectTimeout: 3 * time.Second,
	HTTPTimeout:    10 * time.Second,
	Retries:        5,
}

// Prober abstracts the network checks so state resolution can be tested
// without listening sockets.
type Prober interface {
	// Reachable reports whether anything accepts TCP connections on the
	// port. Connection refused and timeout both yield false.
	Reachable(port int, profile Profile) bool

	// Healthy reports whether the instance's health endpoint answers with
	// the running sentinel within the profile's bounds. Any transport
	// error, timeout or malformed body yields false.
	Healthy(ctx context.Context, port int, profile Profile) bool
}

// NetProber is the production Prober, checking 127.0.0.1 directly.
type NetProber struct {
	Logger *slog.Logger
}

// NewNetProber creates a NetProber. A nil logger falls back to the default.
func NewNetProber(logger *slog.Logger) *NetProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetProber{Logger: logger.With("component", "Prober")}
}

// Reachable opens and immediately closes a TCP connection to the port.
func (p *NetProber) Reachable(port int, profile Profile) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, profile.ConnectTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// healthResponse is the body shape of the instance health endpoint.
type healthResponse struct {
	Status string `json:"status"`
}

// Healthy issues a bounded GET against the health endpoint, retrying per
// the profile.
func (p *NetProber) Healthy(ctx context.Context, port int, profile Profile) bool {
	client := retryablehttp.NewClient()
	client.RetryMax = profile.Retries
	client.HTTPClient.Timeout = profile.HTTPTimeout
	client.Logger = nil

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, HealthPath)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.Logger.Error("Failed to build health check request", "url", url, "error", err)
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return false
	}
	return health.Status == runningSentinel
}
