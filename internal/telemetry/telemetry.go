package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Connection counters exposed in Prometheus text format. Disabled by
// default; Enable() before starting the endpoint.

type counters struct {
	enabled bool
	mu      sync.RWMutex

	packetsTotal map[string]uint64
	bytesTotal   map[string]uint64
	errorsTotal  map[string]uint64
	dialSum      map[string]float64
	dialCount    map[string]uint64
}

var (
	metricsMu sync.RWMutex
	metrics   = counters{}
)

func Enable() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics.enabled {
		return
	}
	metrics.packetsTotal = make(map[string]uint64)
	metrics.bytesTotal = make(map[string]uint64)
	metrics.errorsTotal = make(map[string]uint64)
	metrics.dialSum = make(map[string]float64)
	metrics.dialCount = make(map[string]uint64)
	metrics.enabled = true
}

func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// ObservePacket counts one wire packet; direction is "in" or "out".
func ObservePacket(direction string, bytes int) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	key := fmt.Sprintf("dir=%s", direction)
	metrics.packetsTotal[key]++
	metrics.bytesTotal[key] += uint64(bytes)
}

func ObserveError(kind string) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.errorsTotal[fmt.Sprintf("kind=%s", kind)]++
}

func ObserveDial(socktype string, d time.Duration) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	key := fmt.Sprintf("socktype=%s", socktype)
	metrics.dialSum[key] += d.Seconds()
	metrics.dialCount[key]++
}

func handler(w http.ResponseWriter, _ *http.Request) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	metrics.mu.RLock()
	metricsMu.RUnlock()
	defer metrics.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMap := func(name string, m map[string]uint64) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s{%s} %d\n", name, k, m[k])
		}
	}
	writeMap("xpra_wire_packets_total", metrics.packetsTotal)
	writeMap("xpra_wire_bytes_total", metrics.bytesTotal)
	writeMap("xpra_wire_errors_total", metrics.errorsTotal)
	keys := make([]string, 0, len(metrics.dialSum))
	for k := range metrics.dialSum {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "xpra_wire_dial_seconds_sum{%s} %f\n", k, metrics.dialSum[k])
		fmt.Fprintf(w, "xpra_wire_dial_seconds_count{%s} %d\n", k, metrics.dialCount[k])
	}
}
