// Package discovery finds other managers on the local network. Each manager
// answers UDP probes; a starting manager probes a host list and treats every
// host that answers as a peer.
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
)

const (
	actionDiscover = "discover"
	statusActive   = "active"
	maxDatagram    = 1024
)

type probeMsg struct {
	Action string `json:"action"`
}

type replyMsg struct {
	Status string `json:"status"`
}

// Responder answers discovery probes.
type Responder struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Listen binds the responder to addr, e.g. ":5353".
func Listen(addr string, logger *slog.Logger) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", addr)
	}
	return &Responder{conn: conn, logger: logger.With("component", "discovery")}, nil
}

// Addr returns the bound address.
func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Serve answers probes until Close is called.
func (r *Responder) Serve() error {
	r.logger.Info("discovery responder listening", "addr", r.Addr().String())
	buf := make([]byte, maxDatagram)
	reply, _ := json.Marshal(replyMsg{Status: statusActive})
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "read probe")
		}
		var msg probeMsg
		if err := json.Unmarshal(buf[:n], &msg); err != nil || msg.Action != actionDiscover {
			r.logger.Debug("ignoring datagram", "from", from.String())
			continue
		}
		if _, err := r.conn.WriteToUDP(reply, from); err != nil {
			r.logger.Debug("reply failed", "to", from.String(), "err", err)
		}
	}
}

func (r *Responder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.conn.Close()
}

// Prober sends discovery probes.
type Prober struct {
	Port    int
	Timeout time.Duration
	Logger  *slog.Logger
}

// Probe sends one probe to every host and returns the sorted, deduplicated
// IPs that answered before the timeout or ctx ended.
func (p *Prober) Probe(ctx context.Context, hosts []string) ([]string, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "open probe socket")
	}
	defer conn.Close()

	probe, _ := json.Marshal(probeMsg{Action: actionDiscover})
	for _, host := range funk.UniqString(hosts) {
		ip := net.ParseIP(host)
		if ip == nil {
			resolved, err := net.ResolveIPAddr("ip4", host)
			if err != nil {
				p.Logger.Debug("cannot resolve probe target", "host", host, "err", err)
				continue
			}
			ip = resolved.IP
		}
		if _, err := conn.WriteToUDP(probe, &net.UDPAddr{IP: ip, Port: p.Port}); err != nil {
			p.Logger.Debug("probe failed", "host", host, "err", err)
		}
	}

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var found []string
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, errors.Wrap(err, "read probe reply")
		}
		var reply replyMsg
		if json.Unmarshal(buf[:n], &reply) != nil || reply.Status != statusActive {
			continue
		}
		found = append(found, from.IP.String())
	}
	found = funk.UniqString(found)
	sort.Strings(found)
	p.Logger.Info("discovery probe finished", "probed", len(hosts), "answered", len(found))
	return found, nil
}
