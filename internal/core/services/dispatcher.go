package services

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
)

// DefaultQueueLimit bounds the number of queued lossy events.
const DefaultQueueLimit = 4096

// Subscription removes a registered sink. Cancelling after another sink
// replaced it has no effect.
type Subscription struct {
	cancel func()
}

func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

type dispatchItem struct {
	class   string
	lossy   bool
	queued  time.Time
	deliver func() bool // false when the event was discarded at delivery
}

// Dispatcher delivers events to application sinks from a single goroutine
// in the order they were emitted. Sinks must return promptly and must not
// call blocking session operations.
type Dispatcher struct {
	log     *zap.SugaredLogger
	metrics ports.MetricsRecorder
	limit   int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  deque.Deque
	lossy  int
	closed bool
	done   chan struct{}

	SignalState       *Slot[domain.SignalEvent]
	StreamState       *Slot[domain.StreamStateChange]
	Error             *Slot[domain.ErrorEvent]
	Log               *Slot[domain.LogEvent]
	MultiNetworkStats *Slot[domain.NetworkPath]
	ControlData       *Slot[domain.ControlMessage]
	VideoCapture      *Slot[domain.StreamFrame]
	EncodeFrameInfo   *Slot[domain.EncodeHint]
	Latency           *Slot[domain.LatencyReport]
	MediaState        *Slot[domain.MediaState]
	AudioMediaState   *Slot[domain.MediaState]
	PermissionRequest *Slot[domain.PermissionRequest]
	PermissionChanged *Slot[domain.PermissionChange]
	RemoteMixAudio    *Slot[domain.AudioFrame]
	CaptureFrame      *KeyedSlot[domain.CaptureID, domain.CaptureFrame]
}

// NewDispatcher starts the delivery goroutine. limit <= 0 uses DefaultQueueLimit.
func NewDispatcher(log *zap.SugaredLogger, metrics ports.MetricsRecorder, limit int) *Dispatcher {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	d := &Dispatcher{
		log:     log,
		metrics: metrics,
		limit:   limit,
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	d.SignalState = newSlot[domain.SignalEvent](d, "signal_state", false)
	d.StreamState = newSlot[domain.StreamStateChange](d, "stream_state", false)
	d.Error = newSlot[domain.ErrorEvent](d, "error", false)
	d.Log = newSlot[domain.LogEvent](d, "log", true)
	d.MultiNetworkStats = newSlot[domain.NetworkPath](d, "multi_network_stats", true)
	d.ControlData = newSlot[domain.ControlMessage](d, "control_data", false)
	d.VideoCapture = newSlot[domain.StreamFrame](d, "video_capture", true)
	d.EncodeFrameInfo = newSlot[domain.EncodeHint](d, "encode_frame_info", false)
	d.Latency = newSlot[domain.LatencyReport](d, "latency", true)
	d.MediaState = newSlot[domain.MediaState](d, "media_state", true)
	d.AudioMediaState = newSlot[domain.MediaState](d, "audio_media_state", true)
	d.PermissionRequest = newSlot[domain.PermissionRequest](d, "permission_request", false)
	d.PermissionChanged = newSlot[domain.PermissionChange](d, "permission_changed", false)
	d.RemoteMixAudio = newSlot[domain.AudioFrame](d, "remote_mix_audio", true)
	d.CaptureFrame = newKeyedSlot[domain.CaptureID, domain.CaptureFrame](d, "capture_frame")

	go d.run()
	return d
}

func (d *Dispatcher) enqueue(it dispatchItem) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if it.lossy {
		if d.lossy >= d.limit {
			d.metrics.EventDiscarded(it.class)
			return false
		}
		d.lossy++
	}
	it.queued = time.Now()
	d.queue.PushBack(it)
	d.cond.Signal()
	return true
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for d.queue.Len() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		it := d.queue.PopFront().(dispatchItem)
		if it.lossy {
			d.lossy--
		}
		d.mu.Unlock()

		d.deliver(it)
	}
}

func (d *Dispatcher) deliver(it dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("event sink panicked", "class", it.class, "panic", r)
		}
	}()
	if it.deliver() {
		d.metrics.EventDelivered(it.class, time.Since(it.queued))
	} else {
		d.metrics.EventDiscarded(it.class)
	}
}

// Flush blocks until every event emitted before the call was delivered.
// It must not be called from a sink.
func (d *Dispatcher) Flush() {
	done := make(chan struct{})
	if !d.enqueue(dispatchItem{class: "flush", deliver: func() bool { close(done); return false }}) {
		return
	}
	<-done
}

// Close stops accepting events, delivers what is queued and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	<-d.done
}

// Slot holds at most one sink for an event class.
type Slot[E any] struct {
	d     *Dispatcher
	class string
	lossy bool

	mu   sync.RWMutex
	sink func(E)
	gen  uint64
}

func newSlot[E any](d *Dispatcher, class string, lossy bool) *Slot[E] {
	return &Slot[E]{d: d, class: class, lossy: lossy}
}

// Register installs fn, replacing any previous sink. A nil fn clears the slot.
func (s *Slot[E]) Register(fn func(E)) Subscription {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.sink = fn
	s.mu.Unlock()

	return Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.sink = nil
		}
	}}
}

func (s *Slot[E]) current() func(E) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

// Registered reports whether a sink is installed.
func (s *Slot[E]) Registered() bool {
	return s.current() != nil
}

// Emit queues e for the sink installed at delivery time.
func (s *Slot[E]) Emit(e E) {
	s.EmitIf(e, nil)
}

// EmitIf queues e and drops it at delivery time when valid reports false.
func (s *Slot[E]) EmitIf(e E, valid func() bool) {
	if s.current() == nil {
		return
	}
	s.d.enqueue(dispatchItem{class: s.class, lossy: s.lossy, deliver: func() bool {
		if valid != nil && !valid() {
			return false
		}
		fn := s.current()
		if fn == nil {
			return false
		}
		fn(e)
		return true
	}})
}

// KeyedSlot holds one sink per key, used for per-capture callbacks.
type KeyedSlot[K comparable, E any] struct {
	d     *Dispatcher
	class string

	mu    sync.RWMutex
	sinks map[K]keyedSink[E]
	gen   uint64
}

type keyedSink[E any] struct {
	fn  func(E)
	gen uint64
}

func newKeyedSlot[K comparable, E any](d *Dispatcher, class string) *KeyedSlot[K, E] {
	return &KeyedSlot[K, E]{d: d, class: class, sinks: make(map[K]keyedSink[E])}
}

func (s *KeyedSlot[K, E]) Register(key K, fn func(E)) Subscription {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if fn == nil {
		delete(s.sinks, key)
	} else {
		s.sinks[key] = keyedSink[E]{fn: fn, gen: gen}
	}
	s.mu.Unlock()

	return Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.sinks[key]; ok && cur.gen == gen {
			delete(s.sinks, key)
		}
	}}
}

func (s *KeyedSlot[K, E]) current(key K) func(E) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sinks[key].fn
}

// Registered reports whether key has a sink.
func (s *KeyedSlot[K, E]) Registered(key K) bool {
	return s.current(key) != nil
}

func (s *KeyedSlot[K, E]) Emit(key K, e E) {
	if s.current(key) == nil {
		return
	}
	s.d.enqueue(dispatchItem{class: s.class, lossy: true, deliver: func() bool {
		fn := s.current(key)
		if fn == nil {
			return false
		}
		fn(e)
		return true
	}})
}
