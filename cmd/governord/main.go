package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/scrrlt/carbon-ops/internal/governor"
	"github.com/scrrlt/carbon-ops/internal/ipc"
	"github.com/scrrlt/carbon-ops/internal/ledger"
	"github.com/scrrlt/carbon-ops/internal/rapl"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("governor exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("governord")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/carbon-ops")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("carbon")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("governor.powercap_root", rapl.DefaultPowercapRoot)
	viper.SetDefault("governor.rapl_mode", "sysfs")
	viper.SetDefault("governor.msr_cpus", "")
	viper.SetDefault("governor.poll_interval", "100ms")
	viper.SetDefault("governor.max_poll_gap", "2s")
	viper.SetDefault("governor.socket_path", "/var/run/carbon-ops.sock")
	viper.SetDefault("governor.socket_group", "carbon-users")
	viper.SetDefault("governor.socket_mode", "660")
	viper.SetDefault("governor.disable_ipc", false)
	viper.SetDefault("governor.metrics_port", 0)
	viper.SetDefault("ledger.path", "")
	viper.SetDefault("ledger.signing_key", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	runID := uuid.New().String()
	logger.Info("carbon governor starting", zap.String("run_id", runID))

	// ── Energy sources ────────────────────────────────────────────────────────
	sources, err := buildSources(logger)
	if err != nil {
		return err
	}
	logger.Info("energy domains discovered", zap.Int("count", len(sources)))

	pollInterval := viper.GetDuration("governor.poll_interval")
	maxGap := viper.GetDuration("governor.max_poll_gap")

	runtime := governor.NewRuntime(sources, maxGap, logger)
	poller := governor.NewPoller(runtime, pollInterval, logger)

	// ── Audit ledger ──────────────────────────────────────────────────────────
	var auditLog *ledger.Writer
	if path := viper.GetString("ledger.path"); path != "" {
		opts, err := ledgerOptions()
		if err != nil {
			return err
		}
		auditLog, err = ledger.NewWriter(path, logger, opts...)
		if err != nil {
			return fmt.Errorf("open audit ledger: %w", err)
		}
		if err := ledger.Verify(path); err != nil {
			logger.Warn("audit ledger integrity check FAILED", zap.Error(err))
		} else {
			logger.Info("audit ledger verified",
				zap.Uint64("entries", auditLog.NextSeq()),
				zap.String("head", auditLog.Head()),
			)
		}

		if _, err := auditLog.Append(map[string]any{
			"kind":          "governor_start",
			"run_id":        runID,
			"backend":       viper.GetString("governor.rapl_mode"),
			"domains":       domainList(runtime),
			"poll_interval": pollInterval.String(),
		}); err != nil {
			return fmt.Errorf("append start record: %w", err)
		}
		governor.RecordLedgerAppend()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollerDone := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(pollerDone)
	}()

	// ── IPC socket ────────────────────────────────────────────────────────────
	var serverDone chan struct{}
	if !viper.GetBool("governor.disable_ipc") {
		mode, err := strconv.ParseUint(viper.GetString("governor.socket_mode"), 8, 32)
		if err != nil {
			return fmt.Errorf("parse socket mode: %w", err)
		}
		listener, err := ipc.Listen(ipc.SocketConfig{
			Path:  viper.GetString("governor.socket_path"),
			Group: viper.GetString("governor.socket_group"),
			Mode:  os.FileMode(mode),
		})
		if err != nil {
			return fmt.Errorf("bind ipc socket: %w", err)
		}
		server := ipc.NewServer(listener, runtime, ipc.ServerConfig{}, logger)
		serverDone = make(chan struct{})
		go func() {
			if err := server.Serve(ctx); err != nil {
				logger.Error("ipc server error", zap.Error(err))
			}
			close(serverDone)
		}()
		logger.Info("ipc socket listening",
			zap.String("path", viper.GetString("governor.socket_path")))
	}

	// ── Metrics / health HTTP listener ────────────────────────────────────────
	var metricsSrv *http.Server
	if port := viper.GetInt("governor.metrics_port"); port > 0 {
		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":         "ok",
				"run_id":         runID,
				"active_domains": runtime.ActiveDomains(),
			})
		})
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", zap.Int("port", port))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listen error", zap.Error(err))
			}
		}()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down governor...")

	cancel()
	<-pollerDone
	if serverDone != nil {
		<-serverDone
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	if auditLog != nil {
		readings, err := runtime.Readings(nil)
		if err == nil {
			if _, err := auditLog.Append(map[string]any{
				"kind":      "governor_stop",
				"run_id":    runID,
				"totals_uj": toPayload(readings),
			}); err != nil {
				logger.Error("append stop record failed", zap.Error(err))
			} else {
				governor.RecordLedgerAppend()
			}
		}
	}

	logger.Info("governor stopped")
	return nil
}

// buildSources constructs the configured RAPL backend. MSR mode refuses to
// start without privilege instead of silently falling back to sysfs, which
// would give privileged-looking output without privileged accuracy.
func buildSources(logger *zap.Logger) ([]rapl.Source, error) {
	mode := viper.GetString("governor.rapl_mode")
	switch mode {
	case "sysfs":
		sources, err := rapl.DiscoverSysfs(viper.GetString("governor.powercap_root"), logger)
		if err != nil {
			return nil, err
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("no powercap domains found under %s",
				viper.GetString("governor.powercap_root"))
		}
		return sources, nil

	case "msr":
		var cpus []int
		var err error
		if spec := viper.GetString("governor.msr_cpus"); spec != "" {
			cpus, err = rapl.ParseCPUList(spec)
		} else {
			cpus, err = rapl.OnlineCPUs()
		}
		if err != nil {
			return nil, fmt.Errorf("resolve msr cpu list: %w", err)
		}

		var sources []rapl.Source
		for _, cpu := range cpus {
			src, err := rapl.NewMSRSource(cpu)
			if err != nil {
				if errors.Is(err, rapl.ErrPermissionDenied) {
					return nil, err
				}
				logger.Warn("skipping cpu", zap.Int("cpu", cpu), zap.Error(err))
				continue
			}
			sources = append(sources, src)
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("%w: no msr domains available", rapl.ErrDeviceUnavailable)
		}
		return sources, nil

	default:
		return nil, fmt.Errorf("unknown rapl mode %q (want sysfs or msr)", mode)
	}
}

func ledgerOptions() ([]ledger.WriterOption, error) {
	seedHex := viper.GetString("ledger.signing_key")
	if seedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ledger signing key must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return []ledger.WriterOption{ledger.WithSigner(ed25519.NewKeyFromSeed(seed))}, nil
}

func domainList(rt *governor.Runtime) []any {
	names := rt.Domains()
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

func toPayload(readings map[string]uint64) map[string]any {
	out := make(map[string]any, len(readings))
	for domain, uj := range readings {
		out[domain] = uj
	}
	return out
}
