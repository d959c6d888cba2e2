// Package client provides unprivileged access to the carbon governor
// daemon's accumulated energy counters over its Unix domain socket.
//
// The client never fails hard: when the daemon is missing, unreachable, or
// answers garbage, Fetch returns a degraded Result instead of an error, so
// telemetry callers can fall back to monitor-only attribution without
// wrapping every call in error handling.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"time"
)

// DefaultSocketPath is where the governor daemon exposes its socket.
const DefaultSocketPath = "/var/run/carbon-ops.sock"

// DefaultTimeout bounds connect and read. The daemon answers from an
// in-memory snapshot, so a slow response means it is effectively down.
const DefaultTimeout = 200 * time.Millisecond

// maxResponseBytes caps the response line the client will buffer.
const maxResponseBytes = 1 << 20

// Client queries the governor daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithSocketPath overrides the daemon socket location.
func WithSocketPath(path string) Option {
	return func(c *Client) { c.socketPath = path }
}

// WithTimeout overrides the connect/read timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client with the given options applied over the defaults.
func New(opts ...Option) *Client {
	c := &Client{
		socketPath: DefaultSocketPath,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is the outcome of a snapshot fetch. When Available is false the
// daemon could not be used and Reason says why; ReadingsUJ is then empty.
type Result struct {
	Available  bool
	Reason     string
	ReadingsUJ map[string]uint64
	Timestamp  time.Time
}

// TotalUJ sums all domain readings in microjoules.
func (r Result) TotalUJ() uint64 {
	var total uint64
	for _, uj := range r.ReadingsUJ {
		total += uj
	}
	return total
}

type wireResponse struct {
	Status      string            `json:"status"`
	Reason      string            `json:"reason"`
	Readings    map[string]uint64 `json:"readings"`
	TimestampMS int64             `json:"timestamp"`
}

// Fetch requests accumulated totals for the given domains (none means all).
// It never returns an error: any failure surfaces as a degraded Result.
func (c *Client) Fetch(ctx context.Context, domains ...string) Result {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return degraded("governor daemon unavailable: " + err.Error())
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return degraded("set deadline: " + err.Error())
	}

	request := "GET_ENERGY " + strings.Join(domains, ",") + "\n"
	if _, err := io.WriteString(conn, request); err != nil {
		return degraded("write request: " + err.Error())
	}

	reader := bufio.NewReaderSize(io.LimitReader(conn, maxResponseBytes), 64*1024)
	line, err := reader.ReadString('\n')
	if err != nil {
		return degraded("read response: " + err.Error())
	}

	var resp wireResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return degraded("malformed response: " + err.Error())
	}
	if resp.Status != "ok" {
		reason := resp.Reason
		if reason == "" {
			reason = "daemon reported status " + resp.Status
		}
		return degraded(reason)
	}
	if resp.Readings == nil {
		return degraded("response missing readings")
	}

	return Result{
		Available:  true,
		ReadingsUJ: resp.Readings,
		Timestamp:  time.UnixMilli(resp.TimestampMS),
	}
}

func degraded(reason string) Result {
	return Result{Available: false, Reason: reason}
}
