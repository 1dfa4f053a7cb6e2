package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the configured range
// is allocated or unbindable.
var ErrNoPortsAvailable = errors.New("no media ports available")

// Socket is one bound UDP socket owned by a single call.
type Socket struct {
	Port int
	Conn *net.UDPConn
}

// Close releases the UDP socket.
func (s *Socket) Close() error {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// Pool hands out one UDP socket per call. With a zero range every
// allocation binds an ephemeral port chosen by the kernel.
type Pool struct {
	bindIP  net.IP
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPool creates a socket pool. portMin and portMax of zero select
// ephemeral ports; otherwise portMax must be >= portMin.
func NewPool(bindIP string, portMin, portMax int, logger *slog.Logger) (*Pool, error) {
	if portMin < 0 || portMax < 0 {
		return nil, fmt.Errorf("invalid port range %d-%d", portMin, portMax)
	}
	if portMin != 0 && portMax < portMin {
		return nil, fmt.Errorf("portMax (%d) must not be less than portMin (%d)", portMax, portMin)
	}

	ip := net.IPv4zero
	if bindIP != "" {
		ip = net.ParseIP(bindIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind address %q", bindIP)
		}
	}

	l := logger.With("subsystem", "media-pool")
	p := &Pool{
		bindIP:    ip,
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}
	if p.ephemeral() {
		l.Info("media socket pool initialized", "bind_ip", ip.String(), "ports", "ephemeral")
	} else {
		l.Info("media socket pool initialized",
			"bind_ip", ip.String(),
			"port_min", portMin,
			"port_max", portMax,
			"capacity", p.Capacity(),
		)
	}
	return p, nil
}

func (p *Pool) ephemeral() bool {
	return p.portMin == 0
}

// Capacity returns the number of sockets the range can hold, or 0 when
// ports are ephemeral.
func (p *Pool) Capacity() int {
	if p.ephemeral() {
		return 0
	}
	return p.portMax - p.portMin + 1
}

// AllocatedCount returns the number of sockets currently handed out.
func (p *Pool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds a socket for a new call.
func (p *Pool) Allocate() (*Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ephemeral() {
		sock, err := p.bind(0)
		if err != nil {
			return nil, err
		}
		p.allocated[sock.Port] = struct{}{}
		p.logger.Debug("socket allocated", "port", sock.Port, "allocated", len(p.allocated))
		return sock, nil
	}

	capacity := p.Capacity()
	if len(p.allocated) >= capacity {
		return nil, fmt.Errorf("%w (all %d allocated)", ErrNoPortsAvailable, capacity)
	}

	for i := 0; i < capacity; i++ {
		port := p.nextPort
		p.nextPort++
		if p.nextPort > p.portMax {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; taken {
			continue
		}

		sock, err := p.bind(port)
		if err != nil {
			p.logger.Debug("port bind failed, trying next", "port", port, "error", err)
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("socket allocated",
			"port", port,
			"allocated", len(p.allocated),
			"capacity", capacity,
		)
		return sock, nil
	}
	return nil, fmt.Errorf("%w (no bindable port in range)", ErrNoPortsAvailable)
}

// Release closes the socket and returns its port to the pool.
func (p *Pool) Release(sock *Socket) {
	if sock == nil {
		return
	}
	if err := sock.Close(); err != nil {
		p.logger.Warn("error closing media socket", "port", sock.Port, "error", err)
	}

	p.mu.Lock()
	delete(p.allocated, sock.Port)
	count := len(p.allocated)
	p.mu.Unlock()

	p.logger.Debug("socket released", "port", sock.Port, "allocated", count)
}

func (p *Pool) bind(port int) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: p.bindIP, Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding udp port %d: %w", port, err)
	}
	return &Socket{
		Port: conn.LocalAddr().(*net.UDPAddr).Port,
		Conn: conn,
	}, nil
}
