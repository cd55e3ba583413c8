// Package capacity collects concurrency limits from the worker nodes. The
// resulting Snapshot only feeds wait-time estimation; it never drives scheduling.
package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nadmax/queuewatch/internal/logger"
	"github.com/nadmax/queuewatch/internal/metrics"
)

const (
	DefaultStatusPath   = "/api/server-status/"
	DefaultProbeTimeout = 5 * time.Second
)

// Capacity is the worker's self-reported load. Only MaxConcurrentTasks is used
// by the estimator; the rest is carried for display.
type Capacity struct {
	MaxConcurrentTasks int    `json:"max_tasks"`
	InProgressTasks    int    `json:"in_progress_tasks"`
	AvailableSlots     int    `json:"available_slots"`
	Busy               bool   `json:"busy"`
	ServerURL          string `json:"server_url"`
}

// Snapshot maps endpoint to capacity. Unreachable endpoints are absent, never zero.
type Snapshot map[string]Capacity

func (s Snapshot) Servers() int {
	return len(s)
}

// MaxPerServer returns the largest reported limit. Entries reporting no limit
// count as fallback. ok is false when the snapshot is empty.
func (s Snapshot) MaxPerServer(fallback int) (best int, ok bool) {
	for _, c := range s {
		limit := c.MaxConcurrentTasks
		if limit <= 0 {
			limit = fallback
		}
		if !ok || limit > best {
			best = limit
			ok = true
		}
	}

	return best, ok
}

type Probe interface {
	Query(ctx context.Context, endpoint string) (Capacity, error)
}

type HTTPProbe struct {
	client *http.Client
	path   string
}

func NewHTTPProbe(client *http.Client, path string) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: DefaultProbeTimeout}
	}
	if path == "" {
		path = DefaultStatusPath
	}

	return &HTTPProbe{client: client, path: path}
}

func (p *HTTPProbe) Query(ctx context.Context, endpoint string) (Capacity, error) {
	url := strings.TrimRight(endpoint, "/") + p.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Capacity{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Capacity{}, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Capacity{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var c Capacity
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return Capacity{}, fmt.Errorf("decode server status: %w", err)
	}

	return c, nil
}

type Collector struct {
	probe Probe
}

func NewCollector(p Probe) *Collector {
	return &Collector{probe: p}
}

// Collect probes every endpoint concurrently. Failed endpoints are logged and
// left out of the snapshot; Collect itself never fails.
func (c *Collector) Collect(ctx context.Context, endpoints []string) Snapshot {
	snap := make(Snapshot, len(endpoints))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()

			capacity, err := c.probe.Query(ctx, endpoint)
			if err != nil {
				logger.Get(ctx).Debug().
					Str("endpoint", endpoint).
					Err(err).
					Msg("capacity probe failed, skipping server")
				metrics.RecordProbeFailure(endpoint)
				return
			}

			mu.Lock()
			snap[endpoint] = capacity
			mu.Unlock()
		}(endpoint)
	}
	wg.Wait()

	metrics.UpdateReachableServers(len(snap))
	return snap
}
