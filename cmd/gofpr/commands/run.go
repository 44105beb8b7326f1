package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/repvi/fpr/internal/config"
	"github.com/repvi/fpr/internal/fpr"
	"github.com/repvi/fpr/internal/httpapi"
	fprmetrics "github.com/repvi/fpr/internal/metrics"
	"github.com/repvi/fpr/internal/radio"
	appversion "github.com/repvi/fpr/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// discoveryDuration is how long each host announces itself after
// start-up.
const discoveryDuration = 24 * time.Hour

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the simulated FPR network",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
}

// run loads configuration, builds the network, and serves until a
// termination signal arrives.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	logger.Info("gofpr starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("api_addr", cfg.API.Addr),
		slog.Int("devices", len(cfg.Devices)),
	)

	reg := prometheus.NewRegistry()
	collector := fprmetrics.NewCollector(reg)

	bus := radio.NewBus(nil)
	devices, cleanup, err := buildDevices(cfg, bus, collector, logger)
	if err != nil {
		cleanup()
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startServers(gCtx, g, cfg, reg, devices, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}

	logger.Info("gofpr stopped")
	return nil
}

// newLogger builds the slog logger from the log configuration.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildDevices joins each configured device to the bus, applies its
// mode and policies, and starts its background tasks. The returned
// cleanup closes every device, then every radio port.
func buildDevices(
	cfg *config.Config,
	bus *radio.Bus,
	collector *fprmetrics.Collector,
	logger *slog.Logger,
) ([]*fpr.Device, func(), error) {
	var (
		devices []*fpr.Device
		ports   []*radio.Port
	)
	cleanup := func() {
		for _, d := range devices {
			_ = d.Close()
		}
		for _, p := range ports {
			p.Close()
		}
	}

	for i, dc := range cfg.Devices {
		mac, err := deviceMAC(dc, i)
		if err != nil {
			return nil, cleanup, err
		}

		port, err := bus.Join(mac)
		if err != nil {
			return nil, cleanup, fmt.Errorf("join radio bus: %w", err)
		}
		ports = append(ports, port)

		dev, err := setupDevice(dc, cfg.Radio.Channel, port, collector, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("device %q: %w", dc.Name, err)
		}
		devices = append(devices, dev)
	}

	return devices, cleanup, nil
}

// deviceMAC resolves a device's hardware address, assigning a stable
// locally administered address when none is configured.
func deviceMAC(dc config.DeviceConfig, index int) (radio.MAC, error) {
	if dc.MAC != "" {
		return radio.ParseMAC(dc.MAC)
	}
	return radio.MAC{0x02, 0x00, 0x00, 0x00, 0x00, byte(index + 1)}, nil
}

// setupDevice builds, configures, and starts one device.
func setupDevice(
	dc config.DeviceConfig,
	channel int,
	port *radio.Port,
	collector *fprmetrics.Collector,
	logger *slog.Logger,
) (*fpr.Device, error) {
	mode, _ := dc.ParseMode()
	visibility, _ := dc.ParseVisibility()
	powerMode, _ := dc.ParsePowerMode()
	queueMode, _ := dc.ParseQueueMode()
	hostConn, _ := dc.HostConnectionMode()
	clientConn, _ := dc.ClientConnectionMode()

	dev, err := fpr.NewDevice(dc.Name, fpr.Config{
		Channel:   channel,
		PowerMode: powerMode,
	}, port, logger, fpr.WithMetrics(collector))
	if err != nil {
		return nil, err
	}

	dev.SetVisibility(visibility)
	dev.SetDefaultQueueMode(queueMode)
	if err := dev.SetHostConfig(fpr.HostConfig{
		MaxPeers:       dc.Host.MaxPeers,
		ConnectionMode: hostConn,
	}); err != nil {
		return nil, err
	}
	if err := dev.SetClientConfig(fpr.ClientConfig{
		ConnectionMode: clientConn,
	}); err != nil {
		return nil, err
	}
	if err := dev.SetMode(mode); err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		return nil, err
	}

	if mode == fpr.ModeHost {
		if err := dev.StartLoopTask(discoveryDuration, false); err != nil {
			return nil, err
		}
	}
	if mode != fpr.ModeExtender {
		if err := dev.StartReconnectTask(); err != nil {
			return nil, err
		}
	}

	return dev, nil
}

// startServers registers the metrics and introspection HTTP servers on
// the errgroup.
func startServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	reg *prometheus.Registry,
	devices []*fpr.Device,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	if cfg.API.Addr != "" {
		api := httpapi.NewServer(devices, logger)
		apiSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("api server listening", slog.String("addr", cfg.API.Addr))
			return listenAndServe(ctx, &lc, apiSrv, cfg.API.Addr)
		})
	}
}

// listenAndServe serves srv on addr until ctx is cancelled, then shuts
// it down gracefully.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server on %s: %w", addr, err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// -------------------------------------------------------------------------
// Systemd Integration
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}
