package ipc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scrrlt/carbon-ops/internal/ipc"
)

type stubProvider struct {
	readings map[string]uint64
}

func (s *stubProvider) Readings(domains []string) (map[string]uint64, error) {
	if len(domains) == 0 {
		return s.readings, nil
	}
	out := make(map[string]uint64)
	for _, d := range domains {
		total, ok := s.readings[d]
		if !ok {
			return nil, fmt.Errorf("unknown domain %q", d)
		}
		out[d] = total
	}
	return out, nil
}

func startServer(t *testing.T, provider ipc.ReadingsProvider) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "governor.sock")

	listener, err := ipc.Listen(ipc.SocketConfig{Path: socketPath})
	if err != nil {
		t.Fatal(err)
	}

	server := ipc.NewServer(listener, provider, ipc.ServerConfig{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Serve(ctx) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("server did not shut down")
		}
	})
	return socketPath
}

func request(t *testing.T, socketPath, line string) map[string]any {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck

	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatal(err)
	}
	response, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(response), &decoded); err != nil {
		t.Fatalf("response is not JSON: %q: %v", response, err)
	}
	return decoded
}

func TestServer_getEnergyAllDomains(t *testing.T) {
	socketPath := startServer(t, &stubProvider{readings: map[string]uint64{
		"package-0": 123456,
		"dram:0":    789,
	}})

	resp := request(t, socketPath, "GET_ENERGY\n")
	if resp["status"] != "ok" {
		t.Fatalf("status: got %v", resp["status"])
	}
	readings := resp["readings"].(map[string]any)
	if readings["package-0"].(float64) != 123456 {
		t.Errorf("package-0: got %v", readings["package-0"])
	}
	if len(readings) != 2 {
		t.Errorf("readings: got %v", readings)
	}
	if _, ok := resp["timestamp"].(float64); !ok {
		t.Error("missing timestamp")
	}
}

func TestServer_getEnergyFiltered(t *testing.T) {
	socketPath := startServer(t, &stubProvider{readings: map[string]uint64{
		"package-0": 42,
		"package-1": 43,
	}})

	resp := request(t, socketPath, "GET_ENERGY package-1\n")
	readings := resp["readings"].(map[string]any)
	if len(readings) != 1 || readings["package-1"].(float64) != 43 {
		t.Errorf("filtered readings: got %v", readings)
	}
}

func TestServer_unknownDomain(t *testing.T) {
	socketPath := startServer(t, &stubProvider{readings: map[string]uint64{"package-0": 1}})

	resp := request(t, socketPath, "GET_ENERGY package-7\n")
	if resp["status"] != "error" {
		t.Fatalf("status: got %v", resp["status"])
	}
	if reason := resp["reason"].(string); !strings.Contains(reason, "package-7") {
		t.Errorf("reason should name the domain: %q", reason)
	}
}

func TestServer_malformedRequestKeepsListening(t *testing.T) {
	socketPath := startServer(t, &stubProvider{readings: map[string]uint64{"package-0": 9}})

	resp := request(t, socketPath, "DELETE_EVERYTHING\n")
	if resp["status"] != "error" {
		t.Fatalf("status: got %v", resp["status"])
	}

	// The listener must survive malformed input.
	resp = request(t, socketPath, "GET_ENERGY\n")
	if resp["status"] != "ok" {
		t.Errorf("status after malformed request: got %v", resp["status"])
	}
}

func TestServer_oversizedRequestRejected(t *testing.T) {
	socketPath := startServer(t, &stubProvider{readings: map[string]uint64{}})

	resp := request(t, socketPath, "GET_ENERGY "+strings.Repeat("x", 8192)+"\n")
	if resp["status"] != "error" {
		t.Errorf("status for oversized request: got %v", resp["status"])
	}
}

func TestListen_restrictivePermissions(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "governor.sock")
	listener, err := ipc.Listen(ipc.SocketConfig{Path: socketPath})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o660 {
		t.Errorf("socket permissions: got %o, want 660", perm)
	}
}

func TestListen_refusesLiveSocket(t *testing.T) {
	socketPath := startServer(t, &stubProvider{readings: map[string]uint64{}})

	_, err := ipc.Listen(ipc.SocketConfig{Path: socketPath})
	if !errors.Is(err, ipc.ErrSocketInUse) {
		t.Errorf("got %v, want ErrSocketInUse", err)
	}
}

func TestListen_clearsStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "governor.sock")

	// Leave a socket file behind with no listener, as a crashed daemon
	// would.
	stale, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("stale socket file missing: %v", err)
	}

	listener, err := ipc.Listen(ipc.SocketConfig{Path: socketPath})
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	listener.Close()
}
