package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/gwDistSys20/identity-manager/dispatcher"
	"github.com/gwDistSys20/identity-manager/utils"
)

// Consensus is the part of the node the sweeper needs.
type Consensus interface {
	IsLeader() bool
	Submit(ctx context.Context, op string, args map[string]interface{}) (interface{}, error)
}

// ClientNotifier posts to chat clients.
type ClientNotifier interface {
	Post(ctx context.Context, addr, path string, payload interface{}) error
}

// Sweeper marks users offline once they stop sending heartbeats. Only the
// leader sweeps; the change reaches the other managers through the log.
type Sweeper struct {
	registry   *Registry
	dispatcher *dispatcher.Dispatcher
	node       Consensus
	notifier   ClientNotifier
	interval   time.Duration
	timeout    time.Duration
	rpcTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(registry *Registry, d *dispatcher.Dispatcher, node Consensus, notifier ClientNotifier,
	interval, timeout, rpcTimeout time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:   registry,
		dispatcher: d,
		node:       node,
		notifier:   notifier,
		interval:   interval,
		timeout:    timeout,
		rpcTimeout: rpcTimeout,
		logger:     logger.With("component", "sweeper"),
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the users it disconnected.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	if !s.node.IsLeader() {
		return nil
	}
	var swept []string
	for _, u := range s.registry.Stale(s.now(), s.timeout) {
		args := dispatcher.Args{"username": u.Username, "status": string(Offline)}
		if _, err := s.dispatcher.Propose(ctx, s.node, string(dispatcher.OpUpdateStatus), args); err != nil {
			s.logger.Warn("could not mark user offline", "username", u.Username, "err", err)
			continue
		}
		swept = append(swept, u.Username)
		s.logger.Info("user marked offline for inactivity", "username", u.Username, "lastSeen", u.LastSeen)

		if u.IP == "" || u.Port == 0 {
			continue
		}
		go s.disconnect(u)
	}
	return swept
}

func (s *Sweeper) disconnect(u User) {
	ctx, cancel := context.WithTimeout(context.Background(), s.rpcTimeout)
	defer cancel()
	addr := utils.JoinHostPort(u.IP, u.Port)
	if err := s.notifier.Post(ctx, addr, "/disconnect", nil); err != nil {
		s.logger.Debug("client already disconnected", "username", u.Username, "addr", addr, "err", err)
	}
}
