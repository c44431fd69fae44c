package netstat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/pkg/config"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

const defaultDialTimeout = 2 * time.Second

type counters struct {
	packets uint64
	dropped uint64
}

// Sampler measures each bound interface: RTT is the TCP connect time to the
// signaling server from the interface address, loss comes from the kernel
// drop counters between two samples. Interfaces are all non-loopback ones
// that are up unless network_bind names the addresses to use.
type Sampler struct {
	bind        map[string]struct{}
	target      string
	dialTimeout time.Duration
	logger      *zap.SugaredLogger

	fs    procfs.FS
	hasFS bool

	// interfaces is swapped in tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)

	mu   sync.Mutex
	last map[string]counters
}

var _ ports.PathSampler = (*Sampler)(nil)

// NewSampler builds a sampler for cfg. procRoot is the proc mount, empty
// for /proc; counters are reported as zero when it cannot be read.
func NewSampler(cfg *config.Config, procRoot string, logger *zap.SugaredLogger) *Sampler {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	s := &Sampler{
		bind:        make(map[string]struct{}, len(cfg.NetworkBind)),
		target:      targetAddr(cfg),
		dialTimeout: cfg.Signal.ConnectTimeout,
		logger:      logger,
		interfaces:  net.Interfaces,
		addrs:       func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
		last:        make(map[string]counters),
	}
	if s.dialTimeout <= 0 {
		s.dialTimeout = defaultDialTimeout
	}
	for _, ip := range cfg.NetworkBind {
		s.bind[net.ParseIP(ip).String()] = struct{}{}
	}
	if fs, err := procfs.NewFS(procRoot); err == nil {
		s.fs, s.hasFS = fs, true
	} else {
		logger.Warnw("interface counters unavailable", "proc", procRoot, "error", err)
	}
	return s
}

func targetAddr(cfg *config.Config) string {
	if cfg.ServerIP == "" || cfg.ServerPort <= 0 {
		return ""
	}
	return net.JoinHostPort(cfg.ServerIP, fmt.Sprint(cfg.ServerPort))
}

type candidate struct {
	name string
	ip   net.IP
}

func (s *Sampler) candidates() ([]candidate, error) {
	ifaces, err := s.interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := s.addrs(iface)
		if err != nil {
			s.logger.Debugw("failed to read interface addresses", "interface", iface.Name, "error", err)
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			if len(s.bind) > 0 {
				if _, ok := s.bind[ipnet.IP.String()]; !ok {
					continue
				}
			} else if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			out = append(out, candidate{name: iface.Name, ip: ipnet.IP})
			break
		}
	}
	return out, nil
}

func (s *Sampler) Sample(ctx context.Context) ([]domain.PathSample, error) {
	cands, err := s.candidates()
	if err != nil {
		return nil, err
	}

	var dev procfs.NetDev
	if s.hasFS {
		if dev, err = s.fs.NetDev(); err != nil {
			s.logger.Debugw("failed to read interface counters", "error", err)
			dev = nil
		}
	}

	samples := make([]domain.PathSample, 0, len(cands))
	for _, c := range cands {
		sample := domain.PathSample{Interface: c.name, LocalIP: c.ip.String()}
		reachable := true
		if s.target != "" {
			rtt, port, err := s.dial(ctx, c.ip)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Debugw("path RTT check failed", "interface", c.name, "local_ip", sample.LocalIP, "error", err)
				reachable = false
			}
			sample.RTT, sample.LocalPort = rtt, port
		}

		if line, ok := dev[c.name]; ok {
			sample.SendBytes = line.TxBytes
			sample.RecvBytes = line.RxBytes
			sample.Loss = s.loss(c.name, line)
		}
		if !reachable {
			sample.Loss = 1
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (s *Sampler) dial(ctx context.Context, local net.IP) (time.Duration, int, error) {
	d := net.Dialer{
		Timeout:   s.dialTimeout,
		LocalAddr: &net.TCPAddr{IP: local},
	}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", s.target)
	if err != nil {
		return 0, 0, err
	}
	rtt := time.Since(start)
	port := 0
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	_ = conn.Close()
	return rtt, port, nil
}

// loss is the dropped share of packets since the previous sample.
func (s *Sampler) loss(name string, line procfs.NetDevLine) float64 {
	cur := counters{
		packets: line.RxPackets + line.TxPackets,
		dropped: line.RxDropped + line.TxDropped,
	}
	s.mu.Lock()
	prev, ok := s.last[name]
	s.last[name] = cur
	s.mu.Unlock()
	if !ok || cur.packets < prev.packets || cur.dropped < prev.dropped {
		return 0
	}
	packets := cur.packets - prev.packets
	if packets == 0 {
		return 0
	}
	loss := float64(cur.dropped-prev.dropped) / float64(packets)
	if loss > 1 {
		loss = 1
	}
	return loss
}
