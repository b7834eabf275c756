package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/runzero/sentryflow/internal/cliconfig"
	"github.com/runzero/sentryflow/internal/routing"
	"github.com/runzero/sentryflow/internal/server"
	"github.com/runzero/sentryflow/internal/tcpstat"
	"github.com/runzero/sentryflow/internal/telemetry"
	"github.com/runzero/sentryflow/internal/wire"
)

// Exit codes per spec.md §6.
const (
	exitOK           = 0
	exitRuntime      = 1
	exitArgs         = 2
	exitSelfTestFail = 3
)

func main() {
	log := logrus.New()

	cfg, err := cliconfig.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitArgs)
	}

	if cfg.SelfTest {
		if err := selfTest(); err != nil {
			log.Errorf("self-test failed: %v", err)
			os.Exit(exitSelfTestFail)
		}
		log.Info("self-test passed")
		os.Exit(exitOK)
	}

	if banner := tcpstat.KernelBanner(); banner != "" {
		log.Infof("starting sentryflow on %s (%s)", cfg.BindAddress(), banner)
	} else {
		log.Infof("starting sentryflow on %s", cfg.BindAddress())
	}
	if !tcpstat.Supported() {
		log.Warn("TCP_INFO diagnostics unavailable on this platform")
	}

	collector := telemetry.NewCollector("sentryflow", nil)
	prometheus.MustRegister(collector)

	if cfg.MetricsBind != "" {
		go serveMetrics(cfg.MetricsBind, log)
	}

	srv, err := server.New(server.Config{
		BindAddr: cfg.BindAddress(),
		Strategy: cfg.Strategy,
		Routes:   cfg.Routes,
	}, log, collector)
	if err != nil {
		log.Errorf("startup: %v", err)
		os.Exit(exitRuntime)
	}
	defer srv.Close()

	log.Infof("listening on %s", srv.Addr())

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		close(done)
	}()

	if err := srv.Run(done); err != nil {
		log.Errorf("server: %v", err)
		os.Exit(exitRuntime)
	}
}

// serveMetrics runs a standalone Prometheus scrape endpoint, the same
// promhttp.Handler()-on-/metrics wiring cmd/exporter_example2/main.go uses.
func serveMetrics(bind string, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("metrics listening on %s", bind)
	if err := http.ListenAndServe(bind, mux); err != nil {
		log.Errorf("metrics listener: %v", err)
	}
}

// selfTest runs the two checks spec.md §6 requires: a frame codec
// round-trip with seq=42/flags=0x1234, and LPM resolution against the two
// entries from spec.md §8 scenario 5.
func selfTest() error {
	if err := selfTestFrameRoundTrip(); err != nil {
		return fmt.Errorf("frame round-trip: %w", err)
	}
	if err := selfTestRouting(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	return nil
}

func selfTestFrameRoundTrip() error {
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	const seq = 42
	const flags = 0x1234

	encoded := make([]byte, wire.EncodedLen(len(payload)))
	n, err := wire.Encode(encoded, wire.TypePing, flags, seq, payload)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	encoded = encoded[:n]

	rb := wire.NewRecvBuffer(wire.DefaultRecvBufferCap)
	if err := rb.Append(encoded); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	out := make([]byte, len(payload))
	hdr, decodedN, err := wire.Decode(rb, out)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if hdr.Seq != seq || hdr.Flags != flags || hdr.Type != wire.TypePing {
		return fmt.Errorf("header mismatch: %+v", hdr)
	}
	if decodedN != len(payload) || !bytes.Equal(out[:decodedN], payload) {
		return fmt.Errorf("payload mismatch")
	}
	if rb.Len() != 0 {
		return fmt.Errorf("receive buffer not fully drained: %d bytes remain", rb.Len())
	}
	return nil
}

func selfTestRouting() error {
	table := routing.New()
	wideNet, err := routing.ParseIPv4("10.0.0.0")
	if err != nil {
		return err
	}
	narrowNet, err := routing.ParseIPv4("10.1.0.0")
	if err != nil {
		return err
	}
	if err := table.Upsert(routing.Entry{Prefix: wideNet, MaskBits: 8, Metric: 10}); err != nil {
		return err
	}
	if err := table.Upsert(routing.Entry{Prefix: narrowNet, MaskBits: 16, Metric: 5}); err != nil {
		return err
	}

	a, err := routing.ParseIPv4("10.1.2.3")
	if err != nil {
		return err
	}
	entry, err := table.Lookup(a)
	if err != nil {
		return fmt.Errorf("lookup 10.1.2.3: %w", err)
	}
	if entry.MaskBits != 16 {
		return fmt.Errorf("expected 10.1.2.3 to resolve to /16, got /%d", entry.MaskBits)
	}

	b, err := routing.ParseIPv4("10.2.2.3")
	if err != nil {
		return err
	}
	entry, err = table.Lookup(b)
	if err != nil {
		return fmt.Errorf("lookup 10.2.2.3: %w", err)
	}
	if entry.MaskBits != 8 {
		return fmt.Errorf("expected 10.2.2.3 to resolve to /8, got /%d", entry.MaskBits)
	}
	return nil
}
