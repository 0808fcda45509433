package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/ubplink/internal/groutine"
	"github.com/srg/ubplink/internal/link"
	"github.com/srg/ubplink/internal/metrics"
	"github.com/srg/ubplink/internal/radio/goble"
	"github.com/srg/ubplink/pkg/config"
)

// loadConfig reads --config and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	return cfg, nil
}

// commandLogger builds the command logger. Logs stay silent unless a flag
// asks for them or a config file sets a level.
func commandLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	fallback := logrus.PanicLevel
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		fallback = cfg.Level()
	}
	return configureLogger(cmd, "verbose", fallback)
}

// shutdownTimeout bounds how long Close waits for the link to wind down.
const shutdownTimeout = 2 * time.Second

// linkRuntime bundles a running session with its radio adapter.
type linkRuntime struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter *goble.Adapter
	session *link.Session
	events  *link.EventStream
	stop    context.CancelFunc
}

// startLink opens the radio, starts the session loop and, when configured,
// the metrics endpoint. They run on their own context so a cancelled command
// can still disconnect; Close stops them.
func startLink(cfg *config.Config, logger *logrus.Logger) *linkRuntime {
	ctx, stop := context.WithCancel(context.Background())

	reg := metrics.NewRegistry()
	linkMetrics := metrics.NewLinkMetrics(reg)

	adapter := goble.NewAdapter(cfg.AdapterOptions(), logger)
	session := link.NewSession(adapter, cfg.LinkOptions(linkMetrics), logger)
	events := link.NewEventStream(cfg.EventBuffer, logger)
	session.SetHandler(link.MultiHandler{
		link.HandlerFuncs{StateChanged: func(st link.State) {
			logger.WithField("state", st).Debug("Link state changed")
		}},
		events,
	})

	groutine.Go(ctx, "link-session", func(ctx context.Context) {
		_ = session.Run(ctx)
	})
	adapter.Start(ctx, session)

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	return &linkRuntime{
		cfg:     cfg,
		logger:  logger,
		adapter: adapter,
		session: session,
		events:  events,
		stop:    stop,
	}
}

// Close disconnects the target while the session still runs, then stops the
// session, the adapter and the metrics endpoint.
func (r *linkRuntime) Close() {
	shutdownLink(r.session, r.stop, r.events, shutdownTimeout, r.logger)
}

// linkSession is the part of the session shutdown needs.
type linkSession interface {
	Shutdown(ctx context.Context) error
	Done() <-chan struct{}
}

// shutdownLink asks s to disconnect, cancels the link context and waits for
// the session loop to exit, each step bounded by timeout.
func shutdownLink(s linkSession, stop context.CancelFunc, events *link.EventStream, timeout time.Duration, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Failed to disconnect before shutdown")
	}
	stop()

	select {
	case <-s.Done():
		events.Close()
	case <-ctx.Done():
		logger.Warn("Timed out waiting for the link session to stop")
	}

	if n := events.Overwritten(); n > 0 {
		logger.WithField("events", n).Warn("Events were dropped because the consumer fell behind")
	}
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	groutine.Go(ctx, "metrics-server", func(ctx context.Context) {
		logger.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	})
	groutine.Go(ctx, "metrics-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

// interruptContext returns a context cancelled on Ctrl+C or SIGTERM.
func interruptContext(parent context.Context, notice string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			if notice != "" {
				fmt.Fprintln(os.Stderr, "\n"+notice)
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// discover runs one scan window and returns its results. While the radio is
// unavailable the scan stays deferred and a notice is printed once.
func (r *linkRuntime) discover(ctx context.Context, services []string) ([]link.Device, error) {
	r.session.Scan(services)

	warned := false
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-r.events.Events():
			if !ok {
				return nil, link.ErrSessionStopped
			}
			switch ev.Kind {
			case link.EventDiscovered:
				return ev.Devices, nil
			case link.EventStateChanged:
				if ev.State.Kind == link.Unavailable && !warned {
					warned = true
					fmt.Fprintf(os.Stderr, "Waiting for Bluetooth (%s)...\n", ev.State.Reason)
				}
			}
		}
	}
}

// connect selects dev and waits until notifications are enabled.
// Messages that arrive first are handed to onMessage.
func (r *linkRuntime) connect(ctx context.Context, dev link.Device, onMessage func(link.Event)) error {
	r.session.SelectDevice(&dev)
	r.session.Connect()

	attempted := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.events.Events():
			if !ok {
				return link.ErrSessionStopped
			}
			switch ev.Kind {
			case link.EventMessage:
				if onMessage != nil {
					onMessage(ev)
				}
			case link.EventStateChanged:
				switch ev.State.Kind {
				case link.Connecting, link.Connected:
					attempted = true
				case link.Notifying:
					return nil
				case link.Disconnected:
					if attempted {
						return fmt.Errorf("failed to connect to %s: %w", dev.DisplayName(), ErrConnectionLost)
					}
				}
			}
		}
	}
}

// reconnectPolicy decides whether a dropped link is dialled again. Only a link
// that reached Notifying is retried, so a failed attempt ends the command.
type reconnectPolicy struct {
	enabled     bool
	established bool
}

// observe records st and reports whether the link should be reconnected.
func (p *reconnectPolicy) observe(st link.State) bool {
	switch st.Kind {
	case link.Notifying:
		p.established = true
	case link.Disconnected:
		retry := p.enabled && p.established
		p.established = false
		return retry
	}
	return false
}

// connector re-dials the selected target.
type connector interface {
	Connect()
}

// followLink hands messages to onMessage until ctx is done or the link is
// lost for good. It expects the link to be up when called.
func followLink(ctx context.Context, events <-chan link.Event, c connector, reconnect bool, dev link.Device, onMessage func(link.Event), status io.Writer) error {
	policy := &reconnectPolicy{enabled: reconnect, established: true}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return link.ErrSessionStopped
			}
			switch ev.Kind {
			case link.EventMessage:
				onMessage(ev)
			case link.EventStateChanged:
				switch ev.State.Kind {
				case link.Disconnected:
					if !policy.observe(ev.State) {
						return fmt.Errorf("%s: %w", dev.DisplayName(), ErrConnectionLost)
					}
					fmt.Fprintln(status, "Link dropped, reconnecting...")
					c.Connect()
				case link.Notifying:
					policy.observe(ev.State)
					fmt.Fprintf(status, "Reconnected to %s\n", dev.DisplayName())
				case link.Unavailable:
					fmt.Fprintf(status, "Bluetooth unavailable (%s), waiting...\n", ev.State.Reason)
				}
			}
		}
	}
}

// pickDevice chooses the device to connect to. An address or name match wins;
// without a query the only device, or the strongest one when first is set, is chosen.
func pickDevice(devices []link.Device, query string, first bool) (link.Device, error) {
	if query != "" {
		for _, d := range devices {
			if strings.EqualFold(d.ID, query) || (d.Name != "" && d.Name == query) {
				return d, nil
			}
		}
		return link.Device{}, fmt.Errorf("%w: %s", ErrNoDevice, query)
	}

	switch {
	case len(devices) == 0:
		return link.Device{}, ErrNoDevice
	case len(devices) == 1:
		return devices[0], nil
	case first:
		best := devices[0]
		for _, d := range devices[1:] {
			if d.RSSI > best.RSSI {
				best = d
			}
		}
		return best, nil
	default:
		names := make([]string, 0, len(devices))
		for _, d := range devices {
			names = append(names, d.String())
		}
		return link.Device{}, fmt.Errorf("%d devices found, pass an address or --first: %s", len(devices), strings.Join(names, "; "))
	}
}
