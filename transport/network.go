package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/raft"
)

// ErrUnreachable is returned when the in-process network refuses delivery.
var ErrUnreachable = errors.New("transport: peer unreachable")

// Handler is the receiving side of a manager. *raft.Raft implements it.
type Handler interface {
	HandleRequestVote(args raft.RequestVoteArgs) raft.RequestVoteReply
	HandleAppendEntries(args raft.AppendEntriesArgs) raft.AppendEntriesReply
	Leader() string
	SetLeader(leader string)
	AddPeer(addr string) bool
}

// Network connects managers inside one process. Nodes can be isolated and
// single links cut to simulate partitions.
type Network struct {
	mu       sync.RWMutex
	nodes    map[string]Handler
	isolated map[string]bool
	cut      map[string]map[string]bool
	delay    time.Duration
}

func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[string]Handler),
		isolated: make(map[string]bool),
		cut:      make(map[string]map[string]bool),
	}
}

// Register attaches the handler for id, replacing any previous one.
func (n *Network) Register(id string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = h
}

// Unregister removes id, as if the process had crashed.
func (n *Network) Unregister(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// Transport returns the raft.Transport used by node id.
func (n *Network) Transport(id string) *LocalTransport {
	return &LocalTransport{net: n, from: id}
}

// Isolate cuts id off from every other node.
func (n *Network) Isolate(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// Cut drops traffic between a and b in both directions.
func (n *Network) Cut(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if n.cut[pair[0]] == nil {
			n.cut[pair[0]] = make(map[string]bool)
		}
		n.cut[pair[0]][pair[1]] = true
	}
}

// Heal restores every link.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[string]bool)
	n.cut = make(map[string]map[string]bool)
}

// SetDelay delays every delivery by d.
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

func (n *Network) route(from, to string) (Handler, time.Duration, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.nodes[to]
	if !ok || n.isolated[from] || n.isolated[to] || n.cut[from][to] {
		return nil, 0, errors.Wrapf(ErrUnreachable, "%s -> %s", from, to)
	}
	return h, n.delay, nil
}

// reachable reports whether traffic flows from one node to another. Unlike
// route it does not need to be registered, so a caller that only sends
// still gets its replies.
func (n *Network) reachable(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.isolated[from] && !n.isolated[to] && !n.cut[from][to]
}

// LocalTransport is one node's view of a Network.
type LocalTransport struct {
	net  *Network
	from string
}

var _ raft.Transport = (*LocalTransport)(nil)

// deliver runs fn against the target and gives up when ctx ends. The reply
// is dropped if the link broke while the call was in flight.
func deliver[T any](ctx context.Context, t *LocalTransport, to string, fn func(Handler) T) (T, error) {
	var zero T
	h, delay, err := t.net.route(t.from, to)
	if err != nil {
		return zero, err
	}
	done := make(chan T, 1)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		done <- fn(h)
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case out := <-done:
		if !t.net.reachable(to, t.from) {
			return zero, errors.Wrapf(ErrUnreachable, "reply %s -> %s", to, t.from)
		}
		return out, nil
	}
}

func (t *LocalTransport) RequestVote(ctx context.Context, peer string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	return deliver(ctx, t, peer, func(h Handler) raft.RequestVoteReply {
		return h.HandleRequestVote(args)
	})
}

func (t *LocalTransport) AppendEntries(ctx context.Context, peer string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	// the receiver must not share the leader's slice
	args.Entries = append([]raft.LogEntry(nil), args.Entries...)
	return deliver(ctx, t, peer, func(h Handler) raft.AppendEntriesReply {
		return h.HandleAppendEntries(args)
	})
}

func (t *LocalTransport) GetLeader(ctx context.Context, peer string) (string, error) {
	return deliver(ctx, t, peer, func(h Handler) string {
		return h.Leader()
	})
}

func (t *LocalTransport) NotifyLeader(ctx context.Context, peer string, leader string) error {
	_, err := deliver(ctx, t, peer, func(h Handler) struct{} {
		h.SetLeader(leader)
		return struct{}{}
	})
	return err
}

func (t *LocalTransport) Announce(ctx context.Context, peer string, self string) error {
	_, err := deliver(ctx, t, peer, func(h Handler) bool {
		return h.AddPeer(self)
	})
	return err
}
