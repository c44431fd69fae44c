package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/internal/core/services"
	httphandlers "fieldgw/internal/handlers/http"
	"fieldgw/internal/infrastructure/capture"
	"fieldgw/internal/infrastructure/license"
	"fieldgw/internal/infrastructure/media"
	"fieldgw/internal/infrastructure/monitoring"
	"fieldgw/internal/infrastructure/netstat"
	"fieldgw/internal/infrastructure/recorder"
	"fieldgw/internal/infrastructure/repositories/memory"
	signalclient "fieldgw/internal/infrastructure/signal"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/logger"
	"fieldgw/pkg/retry"
	"fieldgw/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/gateway.json", "path to the gateway configuration")
	licensePath := flag.String("license", "", "path to the license file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration",
			"path", *configPath,
			"code", fgerrors.CodeOf(err).String(),
			"error", err,
		)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.ServiceName = "fieldgw-gateway"
	tcfg.ServiceVersion = services.Version
	if cfg.Tracing.Endpoint != "" {
		tcfg.JaegerURL = cfg.Tracing.Endpoint
	}
	if cfg.Tracing.Environment != "" {
		tcfg.Environment = cfg.Tracing.Environment
	}
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tcfg)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
		tp = &tracing.TracerProvider{}
	}

	var metrics ports.MetricsRecorder
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	var sink ports.RecorderSink
	if cfg.Record.Enabled {
		fs, err := recorder.NewFileSink(cfg.Record.Directory, log.Named("recorder"))
		if err != nil {
			log.Fatalw("failed to prepare record directory", "directory", cfg.Record.Directory, "error", err)
		}
		sink = fs
	}

	transport, err := newMediaTransport(cfg, log.Named("media"))
	if err != nil {
		log.Fatalw("failed to create media transport", "transport", cfg.Media.Transport, "error", err)
	}

	session := services.NewSession(services.Dependencies{
		License:   license.NewValidator(nil, log.Named("license")),
		Signaling: signalclient.Factory{Logger: log},
		Media:     transport,
		Encoders:  media.EncoderFactory{},
		Renderer:  media.NewBoxRenderer(),
		Capture: map[domain.CaptureProtocol]ports.CaptureDriver{
			domain.CaptureV4L2DMA:  capture.PatternDriver{RequireDevice: true, Logger: log.Named("capture")},
			domain.CaptureV4L2MMAP: capture.PatternDriver{RequireDevice: true, Logger: log.Named("capture")},
			domain.CaptureRTSP:     capture.PatternDriver{Logger: log.Named("capture")},
		},
		Recorder: sink,
		Sampler:  netstat.NewSampler(cfg, "", log.Named("netstat")),
		Streams:  memory.NewMemoryStreamRepository(),
		Metrics:  metrics,
		Logger:   zapLogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan domain.SignalEvent, 64)
	session.Events().SignalState.Register(forwardSignalStates(ctx, signals, log))
	session.Events().Error.Register(func(e domain.ErrorEvent) {
		log.Warnw("gateway error", "code", e.Code.String(), "message", e.Message)
	})
	session.Events().StreamState.Register(func(e domain.StreamStateChange) {
		log.Infow("stream state", "stream_id", e.StreamID, "state", e.State.String())
	})

	if err := session.InitPath(ctx, *configPath, *licensePath, services.ModeAsync); err != nil {
		log.Fatalw("init failed", "code", fgerrors.CodeOf(err).String(), "error", err)
	}

	if err := waitReady(ctx, signals, cfg.Signal.ConnectTimeout); err != nil {
		_ = session.Close()
		log.Fatalw("signaling not ready", "code", fgerrors.CodeOf(err).String(), "error", err)
	}

	if err := startWithRetry(ctx, startRetryConfig(time.Second, log), session.Start); err != nil {
		_ = session.Close()
		log.Fatalw("start failed", "code", fgerrors.CodeOf(err).String(), "error", err)
	}

	var srv *http.Server
	if cfg.Admin.Enabled {
		health := monitoring.NewHealthChecker()
		health.AddSessionCheck(session.Ready, 10*time.Second, time.Second)
		health.StartBackgroundChecks(ctx)

		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		status := httphandlers.NewStatusHandler(session, health, prometheus.DefaultGatherer)
		srv = &http.Server{
			Addr:    cfg.Admin.Address,
			Handler: httphandlers.NewAdminRouter(cfg.Admin, status, log.Named("admin")),
		}
		go func() {
			log.Infow("starting admin server", "address", cfg.Admin.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("admin server failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case sig := <-sigChan:
			log.Infow("received shutdown signal", "signal", sig)
			running = false
		case e := <-signals:
			if e.State.Terminal() {
				log.Errorw("signaling channel closed", "state", e.State.String(), "error", e.Err)
				running = false
			}
		}
	}

	cancel()
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during admin server shutdown", "error", err)
		}
		shutdownCancel()
	}
	if err := session.Close(); err != nil {
		log.Errorw("error closing session", "error", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}
	log.Info("gateway stopped")
}

// forwardSignalStates hands every transition to signals in order. A full
// buffer blocks the dispatcher until the main loop catches up or ctx ends.
func forwardSignalStates(ctx context.Context, signals chan<- domain.SignalEvent, log *zap.SugaredLogger) func(domain.SignalEvent) {
	return func(e domain.SignalEvent) {
		log.Infow("signal state", "state", e.State.String(), "error", e.Err)
		select {
		case signals <- e:
		case <-ctx.Done():
		}
	}
}

// startRetryConfig retries Start three times while the cloud license
// service answers with a timeout.
func startRetryConfig(delay time.Duration, log *zap.SugaredLogger) retry.Config {
	cfg := retry.Fixed(3, delay)
	cfg.Retryable = func(err error) bool {
		return fgerrors.HasCode(err, fgerrors.PublicLicenseTimeout)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warnw("start failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return cfg
}

func startWithRetry(ctx context.Context, cfg retry.Config, start func(context.Context) error) error {
	return retry.Retry(ctx, cfg, func() error { return start(ctx) })
}

// waitReady blocks until the signaling channel reports ready or a
// terminal state.
func waitReady(ctx context.Context, signals <-chan domain.SignalEvent, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case e := <-signals:
			if e.State.Usable() {
				return nil
			}
			if e.State.Terminal() {
				if e.Err != nil {
					return e.Err
				}
				return fgerrors.Newf(fgerrors.SignalRegisterFailed, "signaling %s", e.State)
			}
		case <-timer.C:
			return fgerrors.Newf(fgerrors.SignalConnectTimeout, "signaling not ready after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func newMediaTransport(cfg *config.Config, log *zap.SugaredLogger) (ports.MediaTransport, error) {
	if cfg.Media.Transport == config.TransportLoopback {
		loopback := media.DefaultLoopbackConfig()
		loopback.EchoAudio = cfg.AudioReceive != 0
		return media.NewLoopbackTransport(loopback, log), nil
	}
	return media.NewWebRTCTransport(media.WebRTCConfigFromConfig(cfg), log)
}
