package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tevino/abool"
	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
)

type bandwidthLevel int

const (
	bandwidthOK bandwidthLevel = iota
	bandwidthDegraded
	bandwidthLimited
)

// PathMonitor samples every bound network interface on a fixed interval,
// reports the smoothed path state and derives bitrate suggestions from the
// aggregated available bandwidth.
type PathMonitor struct {
	sampler   ports.PathSampler
	pipelines func() []*MediaPipeline
	events    *Dispatcher
	metrics   ports.MetricsRecorder
	log       *zap.SugaredLogger
	interval  time.Duration
	alpha     float64
	now       func() time.Time

	lifeMu  sync.Mutex
	running *abool.AtomicBool
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.RWMutex
	paths map[string]domain.NetworkPath
	level bandwidthLevel
}

// NewPathMonitor creates a monitor. pipelines returns the currently active
// stream pipelines and may be nil.
func NewPathMonitor(cfg config.NetworkConfig, sampler ports.PathSampler, pipelines func() []*MediaPipeline, events *Dispatcher, metrics ports.MetricsRecorder, log *zap.SugaredLogger) *PathMonitor {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = time.Second
	}
	alpha := cfg.RTTSmoothing
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &PathMonitor{
		sampler:   sampler,
		pipelines: pipelines,
		events:    events,
		metrics:   metrics,
		log:       log,
		interval:  interval,
		alpha:     alpha,
		now:       time.Now,
		running:   abool.New(),
		paths:     make(map[string]domain.NetworkPath),
	}
}

// Start launches the sampling loop. It is a no-op when already running.
func (m *PathMonitor) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running.SetToIf(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop ends the sampling loop and forgets every path.
func (m *PathMonitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running.SetToIf(true, false) {
		return
	}
	m.cancel()
	<-m.done

	m.mu.Lock()
	m.paths = make(map[string]domain.NetworkPath)
	m.level = bandwidthOK
	m.mu.Unlock()
}

func (m *PathMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll takes one sample of every interface.
func (m *PathMonitor) Poll(ctx context.Context) {
	samples, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Warnw("Failed to sample network paths", "error", err)
		return
	}

	now := m.now()
	seen := make(map[string]struct{}, len(samples))
	reports := make([]domain.NetworkPath, 0, len(samples))
	available := 0

	m.mu.Lock()
	for _, s := range samples {
		seen[s.Interface] = struct{}{}
		rtt := float64(s.RTT) / float64(time.Millisecond)
		if prev, ok := m.paths[s.Interface]; ok && prev.RTT > 0 {
			rtt = m.alpha*rtt + (1-m.alpha)*prev.RTT
		}
		path := domain.NetworkPath{
			Interface:    s.Interface,
			LocalIP:      s.LocalIP,
			LocalPort:    s.LocalPort,
			ExternalIP:   s.ExternalIP,
			ExternalPort: s.ExternalPort,
			RTT:          rtt,
			Loss:         s.Loss,
			SendBytes:    s.SendBytes,
			RecvBytes:    s.RecvBytes,
			Bandwidth:    s.Bandwidth,
			UpdatedAt:    now,
		}
		m.paths[s.Interface] = path
		reports = append(reports, path)
		if s.Bandwidth > 0 {
			available += s.Bandwidth
		}
	}
	for name := range m.paths {
		if _, ok := seen[name]; !ok {
			delete(m.paths, name)
		}
	}
	m.mu.Unlock()

	for _, p := range reports {
		m.metrics.ObservePath(p)
		m.events.MultiNetworkStats.Emit(p)
	}
	if available > 0 {
		m.adapt(available)
	}
}

func (m *PathMonitor) adapt(available int) {
	if m.pipelines == nil {
		return
	}
	pipes := m.pipelines()
	minSum, targetSum := 0, 0
	for _, p := range pipes {
		lo, hi := p.BitrateRange()
		minSum += lo
		targetSum += hi
	}
	if targetSum == 0 {
		return
	}

	level := bandwidthOK
	switch {
	case available < minSum:
		level = bandwidthLimited
	case available < targetSum:
		level = bandwidthDegraded
	}

	m.mu.Lock()
	changed := level != m.level
	m.level = level
	m.mu.Unlock()

	if level == bandwidthOK {
		if changed {
			m.log.Infow("Available bandwidth recovered", "available_kbps", available, "target_kbps", targetSum)
		}
		return
	}

	// proportional share of what is available, clamped per stream
	for _, p := range pipes {
		_, hi := p.BitrateRange()
		p.SuggestBitrate(hi * available / targetSum)
	}

	if !changed {
		return
	}
	if level == bandwidthLimited {
		m.events.Error.Emit(domain.ErrorEvent{
			Code:    fgerrors.CallbackBandwidthLimit,
			Message: fmt.Sprintf("available bandwidth %d kbps below minimum %d kbps", available, minSum),
		})
		m.log.Warnw("Bandwidth below stream minimum", "available_kbps", available, "min_kbps", minSum)
		return
	}
	m.events.Error.Emit(domain.ErrorEvent{
		Code:    fgerrors.CallbackReserveDegrade,
		Message: fmt.Sprintf("available bandwidth %d kbps below target %d kbps", available, targetSum),
	})
	m.log.Warnw("Bandwidth below stream target", "available_kbps", available, "target_kbps", targetSum)
}

// Paths returns the latest state of every interface, ordered by name.
func (m *PathMonitor) Paths() []domain.NetworkPath {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.NetworkPath, 0, len(m.paths))
	for _, p := range m.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}

func (m *PathMonitor) Running() bool {
	return m.running.IsSet()
}
