package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
)

const (
	MinMeasureDuration = 2 * time.Second
	MaxMeasureDuration = 10 * time.Second
)

// QualityThresholds map link measurements onto a verdict. A stream is good
// when it stays within the Good limits, poor within the Poor limits and
// unusable otherwise. The worst stream decides.
type QualityThresholds struct {
	GoodRTT  time.Duration
	GoodLoss float64
	PoorRTT  time.Duration
	PoorLoss float64
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		GoodRTT:  150 * time.Millisecond,
		GoodLoss: 0.02,
		PoorRTT:  400 * time.Millisecond,
		PoorLoss: 0.10,
	}
}

// NetworkQualityTester runs blocking quality measurements over the media transport.
type NetworkQualityTester struct {
	transport      ports.MediaTransport
	connectTimeout time.Duration
	pollInterval   time.Duration
	thresholds     QualityThresholds
	log            *zap.SugaredLogger
}

func NewNetworkQualityTester(transport ports.MediaTransport, connectTimeout time.Duration, thresholds QualityThresholds, log *zap.SugaredLogger) *NetworkQualityTester {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &NetworkQualityTester{
		transport:      transport,
		connectTimeout: connectTimeout,
		pollInterval:   50 * time.Millisecond,
		thresholds:     thresholds,
		log:            log,
	}
}

// ClampMeasureDuration limits d to the accepted measurement window.
func ClampMeasureDuration(d time.Duration) time.Duration {
	if d < MinMeasureDuration {
		return MinMeasureDuration
	}
	if d > MaxMeasureDuration {
		return MaxMeasureDuration
	}
	return d
}

// Test waits for the streams' transport to connect, then measures for d.
// Minimum bitrates, when given, are compared against the measured bandwidth.
func (q *NetworkQualityTester) Test(ctx context.Context, ids []domain.StreamID, minKbps map[domain.StreamID]int, d time.Duration) (domain.NetworkQuality, error) {
	if len(ids) == 0 {
		return domain.QualityUnmeasurable, fgerrors.New(fgerrors.InitParamError, "no stream to measure")
	}
	d = ClampMeasureDuration(d)

	if !q.waitConnected(ctx, ids) {
		if ctx.Err() != nil {
			return domain.QualityUnmeasurable, ctx.Err()
		}
		q.log.Warnw("Streams not connected, network unmeasurable", "streams", ids, "timeout", q.connectTimeout)
		return domain.QualityUnmeasurable, nil
	}

	results, err := q.transport.Measure(ctx, ids, d)
	if err != nil {
		if ctx.Err() != nil {
			return domain.QualityUnmeasurable, ctx.Err()
		}
		q.log.Warnw("Network measurement failed", "error", err)
		return domain.QualityUnmeasurable, nil
	}
	if len(results) == 0 {
		return domain.QualityUnmeasurable, nil
	}

	verdict := domain.QualityGood
	for _, r := range results {
		if v := q.grade(r, minKbps[r.StreamID]); v > verdict {
			verdict = v
		}
	}
	return verdict, nil
}

func (q *NetworkQualityTester) grade(r domain.LinkMeasurement, minKbps int) domain.NetworkQuality {
	t := q.thresholds
	if minKbps > 0 && r.Bandwidth > 0 && r.Bandwidth < minKbps {
		return domain.QualityUnusable
	}
	switch {
	case r.RTT <= t.GoodRTT && r.Loss <= t.GoodLoss:
		return domain.QualityGood
	case r.RTT <= t.PoorRTT && r.Loss <= t.PoorLoss:
		return domain.QualityPoor
	}
	return domain.QualityUnusable
}

func (q *NetworkQualityTester) waitConnected(ctx context.Context, ids []domain.StreamID) bool {
	ctx, cancel := context.WithTimeout(ctx, q.connectTimeout)
	defer cancel()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		ready := true
		for _, id := range ids {
			if !q.transport.Connected(id) {
				ready = false
				break
			}
		}
		if ready {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
