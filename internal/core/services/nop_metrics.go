package services

import (
	"time"

	"fieldgw/internal/core/domain"
)

// nopMetrics is used when no recorder is configured.
type nopMetrics struct{}

func (nopMetrics) SetSessionState(domain.ConnState)                 {}
func (nopMetrics) SetSignalState(domain.SignalState)                {}
func (nopMetrics) SetStreamState(domain.StreamID, domain.ConnState) {}
func (nopMetrics) ObserveFrame(domain.StreamID, string, int)        {}
func (nopMetrics) FrameDropped(domain.StreamID, string)             {}
func (nopMetrics) ControlSent(int)                                  {}
func (nopMetrics) ControlReceived(int)                              {}
func (nopMetrics) ControlRejected(string)                           {}
func (nopMetrics) ObservePath(domain.NetworkPath)                   {}
func (nopMetrics) EventDelivered(string, time.Duration)             {}
func (nopMetrics) EventDiscarded(string)                            {}
func (nopMetrics) SignalReconnect()                                 {}
