// Package metrics exposes the observable counters from spec §4.1 and §4.4
// as Prometheus collectors, optionally served over HTTP. Grounded on
// madpsy-ka9q_ubersdr's prometheus.go: a struct of promauto-registered
// collectors built once and updated from the running system, never
// re-registered per request.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every Prometheus collector this module exposes.
type Collectors struct {
	registry *prometheus.Registry

	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	crcErrors       prometheus.Counter

	ringOverruns  *prometheus.CounterVec
	ringUnderruns *prometheus.CounterVec

	activeSessions prometheus.Gauge
	txOwnerActive  prometheus.Gauge
}

// New registers a fresh set of collectors on a private registry (not the
// global default, so multiple ClientCore/ServerCore instances in the same
// process — as in tests — never collide on registration).
func New() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,

		packetsSent:     f.NewCounter(prometheus.CounterOpts{Name: "airrelay_packets_sent_total", Help: "Total packets sent."}),
		packetsReceived: f.NewCounter(prometheus.CounterOpts{Name: "airrelay_packets_received_total", Help: "Total packets received."}),
		bytesSent:       f.NewCounter(prometheus.CounterOpts{Name: "airrelay_bytes_sent_total", Help: "Total bytes sent."}),
		bytesReceived:   f.NewCounter(prometheus.CounterOpts{Name: "airrelay_bytes_received_total", Help: "Total bytes received."}),
		crcErrors:       f.NewCounter(prometheus.CounterOpts{Name: "airrelay_crc_errors_total", Help: "Total CRC/frame validation failures."}),

		ringOverruns:  f.NewCounterVec(prometheus.CounterOpts{Name: "airrelay_ring_overruns_total", Help: "Total ring buffer overrun events."}, []string{"buffer"}),
		ringUnderruns: f.NewCounterVec(prometheus.CounterOpts{Name: "airrelay_ring_underruns_total", Help: "Total ring buffer underrun events."}, []string{"buffer"}),

		activeSessions: f.NewGauge(prometheus.GaugeOpts{Name: "airrelay_active_sessions", Help: "Current number of registered sessions."}),
		txOwnerActive:  f.NewGauge(prometheus.GaugeOpts{Name: "airrelay_tx_owner_active", Help: "1 if a TX owner currently holds the mixer, else 0."}),
	}
}

// ObserveHandlerStats folds a protocol.Handler-shaped stats snapshot into
// the counters. Takes plain values (not the protocol package's Stats type)
// so this package never needs to import protocol.
func (c *Collectors) ObserveHandlerStats(packetsSent, packetsReceived, bytesSent, bytesReceived, crcErrors uint64) {
	c.packetsSent.Add(float64(packetsSent))
	c.packetsReceived.Add(float64(packetsReceived))
	c.bytesSent.Add(float64(bytesSent))
	c.bytesReceived.Add(float64(bytesReceived))
	c.crcErrors.Add(float64(crcErrors))
}

// RecordRingOverrun increments the overrun counter for the named buffer
// ("rx" or "tx").
func (c *Collectors) RecordRingOverrun(buffer string) { c.ringOverruns.WithLabelValues(buffer).Inc() }

// RecordRingUnderrun increments the underrun counter for the named buffer.
func (c *Collectors) RecordRingUnderrun(buffer string) { c.ringUnderruns.WithLabelValues(buffer).Inc() }

// SetActiveSessions sets the current session gauge.
func (c *Collectors) SetActiveSessions(n int) { c.activeSessions.Set(float64(n)) }

// SetTxOwnerActive reflects whether the mixer currently has an owner.
func (c *Collectors) SetTxOwnerActive(active bool) {
	if active {
		c.txOwnerActive.Set(1)
		return
	}
	c.txOwnerActive.Set(0)
}

// ErrAddrRequired is returned by Serve when addr is empty.
var ErrAddrRequired = errors.New("metrics: listen address is required")

// Serve runs an HTTP server exposing /metrics on addr until ctx is
// canceled. Matches spec's "optional /metrics HTTP endpoint" ambient
// requirement. An empty addr returns ErrAddrRequired.
func (c *Collectors) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return ErrAddrRequired
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
