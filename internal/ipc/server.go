package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Wire protocol: one request per connection. The client sends a single
// line "GET_ENERGY d1,d2,..." (empty domain list means all domains) and
// receives a single line of canonical JSON.
const (
	verbGetEnergy = "GET_ENERGY"

	// maxRequestBytes caps the request line. Anything longer is malformed
	// by construction.
	maxRequestBytes = 4096
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "carbon_ipc_requests_total",
	Help: "Total IPC requests by outcome.",
}, []string{"outcome"})

// ReadingsProvider supplies accumulated energy totals. The governor runtime
// implements it; requests never trigger a hardware read.
type ReadingsProvider interface {
	Readings(domains []string) (map[string]uint64, error)
}

// ServerConfig bounds the server's resource use.
type ServerConfig struct {
	// MaxWorkers caps concurrently handled connections. Default 4.
	MaxWorkers int

	// AcceptsPerSecond rate-limits accepted connections. Default 64, with
	// a burst of twice that.
	AcceptsPerSecond float64

	// RequestTimeout is the per-connection read/write deadline. Default 2s.
	RequestTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.AcceptsPerSecond <= 0 {
		c.AcceptsPerSecond = 64
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
}

// Server answers snapshot requests over an already-bound listener.
type Server struct {
	listener net.Listener
	provider ReadingsProvider
	cfg      ServerConfig
	slots    chan struct{}
	limiter  *rate.Limiter
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewServer wraps listener with a bounded request handler.
func NewServer(listener net.Listener, provider ReadingsProvider, cfg ServerConfig, logger *zap.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		listener: listener,
		provider: provider,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxWorkers),
		limiter:  rate.NewLimiter(rate.Limit(cfg.AcceptsPerSecond), int(cfg.AcceptsPerSecond)*2),
		logger:   logger,
	}
}

// Serve accepts connections until ctx is cancelled. Malformed requests get
// an error response; only cancellation stops the listener. In-flight
// handlers finish before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if !s.limiter.Allow() {
			requestsTotal.WithLabelValues("throttled").Inc()
			s.reject(conn, "server busy")
			continue
		}

		select {
		case s.slots <- struct{}{}:
			s.wg.Add(1)
			go s.handle(conn)
		default:
			requestsTotal.WithLabelValues("throttled").Inc()
			s.reject(conn, "server busy")
		}
	}

	s.wg.Wait()
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		<-s.slots
		s.wg.Done()
	}()

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		s.logger.Warn("set connection deadline failed", zap.Error(err))
		return
	}

	domains, err := readRequest(conn)
	if err != nil {
		requestsTotal.WithLabelValues("malformed").Inc()
		s.writeError(conn, err.Error())
		return
	}

	readings, err := s.provider.Readings(domains)
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		s.writeError(conn, err.Error())
		return
	}

	requestsTotal.WithLabelValues("ok").Inc()
	s.writeResponse(conn, okResponse{
		Status:      "ok",
		Readings:    readings,
		TimestampMS: time.Now().UnixMilli(),
	})
}

// readRequest parses one request line into a domain filter.
func readRequest(conn net.Conn) ([]string, error) {
	reader := bufio.NewReaderSize(io.LimitReader(conn, maxRequestBytes+1), maxRequestBytes+1)
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, errors.New("request not newline-terminated")
		}
		return nil, fmt.Errorf("read request: %v", err)
	}
	if len(line) > maxRequestBytes {
		return nil, errors.New("request too large")
	}

	line = strings.TrimSpace(line)
	verb, args, _ := strings.Cut(line, " ")
	if verb != verbGetEnergy {
		return nil, fmt.Errorf("unknown request %q", verb)
	}

	var domains []string
	for _, d := range strings.Split(args, ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	return domains, nil
}

type okResponse struct {
	Status      string            `json:"status"`
	Readings    map[string]uint64 `json:"readings"`
	TimestampMS int64             `json:"timestamp"`
}

type errResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) writeResponse(conn net.Conn, resp any) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response failed", zap.Error(err))
		return
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(conn net.Conn, reason string) {
	s.writeResponse(conn, errResponse{Status: "error", Reason: reason})
}

// reject answers over-limit connections with a short error line without
// consuming a worker slot.
func (s *Server) reject(conn net.Conn, reason string) {
	defer conn.Close()
	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err == nil {
		s.writeError(conn, reason)
	}
}
