package domain

import "time"

// PathSample is one raw measurement of a bound network interface.
type PathSample struct {
	Interface    string
	LocalIP      string
	LocalPort    int
	ExternalIP   string
	ExternalPort int
	RTT          time.Duration
	Loss         float64 // fraction 0..1
	SendBytes    uint64
	RecvBytes    uint64
	Bandwidth    int // available estimate, kbps; 0 = unknown
}

// NetworkPath is the smoothed state of one interface.
type NetworkPath struct {
	Interface    string
	LocalIP      string
	LocalPort    int
	ExternalIP   string
	ExternalPort int
	RTT          float64 // ms, smoothed
	Loss         float64
	SendBytes    uint64
	RecvBytes    uint64
	Bandwidth    int
	UpdatedAt    time.Time
}

// NetworkQuality verdict of a quality measurement.
type NetworkQuality int

const (
	QualityUnmeasurable NetworkQuality = 0
	QualityGood         NetworkQuality = 1
	QualityPoor         NetworkQuality = 2
	QualityUnusable     NetworkQuality = 3
)

func (q NetworkQuality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityUnusable:
		return "unusable"
	}
	return "unmeasurable"
}

// LinkMeasurement is what a transport measured for one stream over a quality window.
type LinkMeasurement struct {
	StreamID  StreamID
	RTT       time.Duration
	Loss      float64
	Bandwidth int // kbps
}
