package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/gwDistSys20/identity-manager/directory"
	"github.com/gwDistSys20/identity-manager/raft"
	"github.com/gwDistSys20/identity-manager/transport"
	"github.com/gwDistSys20/identity-manager/utils"
)

// OnlineClients lists the chat clients that can be reached.
type OnlineClients interface {
	Online() []directory.Peer
}

// Poster delivers a JSON payload to a chat client.
type Poster interface {
	Post(ctx context.Context, addr, path string, payload interface{}) error
}

// ClientNotifier tells every online chat client about a new leader.
type ClientNotifier struct {
	clients OnlineClients
	poster  Poster
	timeout time.Duration
	logger  *slog.Logger
}

var _ raft.LeaderObserver = (*ClientNotifier)(nil)

func NewClientNotifier(clients OnlineClients, poster Poster, timeout time.Duration, logger *slog.Logger) *ClientNotifier {
	return &ClientNotifier{
		clients: clients,
		poster:  poster,
		timeout: timeout,
		logger:  logger.With("component", "client-notifier"),
	}
}

// LeaderElected posts {"leader": addr} to /leader of each online client,
// one goroutine per client.
func (c *ClientNotifier) LeaderElected(leader string) {
	for _, peer := range c.clients.Online() {
		go func(peer directory.Peer) {
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			addr := utils.JoinHostPort(peer.IP, peer.Port)
			if err := c.poster.Post(ctx, addr, "/leader", transport.LeaderRes{Leader: leader}); err != nil {
				c.logger.Debug("leader notice to client failed", "username", peer.Username, "addr", addr, "err", err)
				return
			}
			c.logger.Debug("client told about leader", "username", peer.Username, "leader", leader)
		}(peer)
	}
}
