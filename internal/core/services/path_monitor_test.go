package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
)

type scriptedSampler struct {
	mu    sync.Mutex
	steps [][]domain.PathSample
	err   error
	calls int
}

func (s *scriptedSampler) Sample(ctx context.Context) ([]domain.PathSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.steps) == 0 {
		return nil, nil
	}
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return step, nil
}

func (s *scriptedSampler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPathMonitor_SmoothsRTTPerInterface(t *testing.T) {
	sampler := &scriptedSampler{steps: [][]domain.PathSample{
		{{Interface: "eth0", LocalIP: "10.0.0.2", RTT: 100 * time.Millisecond}, {Interface: "wwan0", RTT: 40 * time.Millisecond}},
		{{Interface: "eth0", LocalIP: "10.0.0.2", RTT: 200 * time.Millisecond}},
	}}
	events := newTestDispatcher(t)
	m := NewPathMonitor(config.NetworkConfig{RTTSmoothing: 0.5}, sampler, nil, events, nil, zap.NewNop().Sugar())

	var reports []domain.NetworkPath
	events.MultiNetworkStats.Register(func(p domain.NetworkPath) { reports = append(reports, p) })

	m.Poll(context.Background())
	m.Poll(context.Background())
	events.Flush()

	require.Len(t, reports, 3)
	assert.Equal(t, "eth0", reports[2].Interface)
	assert.InDelta(t, 150.0, reports[2].RTT, 0.001)

	paths := m.Paths()
	require.Len(t, paths, 1, "interfaces missing from a sample are dropped")
	assert.Equal(t, "eth0", paths[0].Interface)
}

func TestPathMonitor_SamplerErrorKeepsState(t *testing.T) {
	sampler := &scriptedSampler{steps: [][]domain.PathSample{{{Interface: "eth0", RTT: 10 * time.Millisecond}}}}
	m := NewPathMonitor(config.NetworkConfig{}, sampler, nil, newTestDispatcher(t), nil, zap.NewNop().Sugar())

	m.Poll(context.Background())
	sampler.err = errors.New("netlink unavailable")
	m.Poll(context.Background())

	assert.Len(t, m.Paths(), 1)
}

func TestPathMonitor_BandwidthAdaptation(t *testing.T) {
	events := newTestDispatcher(t)
	enc0, enc1 := &fakeEncoder{}, &fakeEncoder{}
	p0 := NewMediaPipeline(testStream(0, domain.ProtocolOutside), enc0, nil, newFakeMediaTransport(), events, nil, zap.NewNop().Sugar())
	p1 := NewMediaPipeline(testStream(1, domain.ProtocolOutside), enc1, nil, newFakeMediaTransport(), events, nil, zap.NewNop().Sugar())
	pipes := func() []*MediaPipeline { return []*MediaPipeline{p0, p1} }

	// targets 2x2000 kbps, minimums 2x500 kbps
	sampler := &scriptedSampler{steps: [][]domain.PathSample{
		{{Interface: "eth0", Bandwidth: 3000}},
		{{Interface: "eth0", Bandwidth: 2000}, {Interface: "wwan0", Bandwidth: 1000}},
		{{Interface: "eth0", Bandwidth: 600}},
		{{Interface: "eth0", Bandwidth: 9000}},
	}}
	m := NewPathMonitor(config.NetworkConfig{}, sampler, pipes, events, nil, zap.NewNop().Sugar())

	var errs []domain.ErrorEvent
	events.Error.Register(func(e domain.ErrorEvent) { errs = append(errs, e) })

	ctx := context.Background()
	m.Poll(ctx)
	m.Poll(ctx)
	m.Poll(ctx)
	m.Poll(ctx)
	events.Flush()

	// degraded twice in a row reports once, then the limit
	require.Len(t, errs, 2)
	assert.Equal(t, fgerrors.CallbackReserveDegrade, errs[0].Code)
	assert.Equal(t, fgerrors.CallbackBandwidthLimit, errs[1].Code)
	assert.Negative(t, errs[0].WireCode())

	// suggestions are applied at the next encode, latest wins
	require.NoError(t, p0.PushRaw(i420(640, 480), nil))
	assert.Equal(t, []int{500}, enc0.bitrates)
}

func TestPathMonitor_StartStop(t *testing.T) {
	sampler := &scriptedSampler{steps: [][]domain.PathSample{{{Interface: "eth0", RTT: time.Millisecond}}}}
	m := NewPathMonitor(config.NetworkConfig{StatsInterval: 5 * time.Millisecond}, sampler, nil, newTestDispatcher(t), nil, zap.NewNop().Sugar())

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.Running())
	assert.Eventually(t, func() bool { return sampler.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
	assert.Empty(t, m.Paths())
}
