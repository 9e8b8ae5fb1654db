package discovery

import (
	"sort"
	"strings"

	"github.com/thoas/go-funk"

	"github.com/gwDistSys20/identity-manager/utils"
)

// Peers merges a static peer list with hosts that answered a probe. Probed
// hosts are assumed to serve HTTP on httpPort. Addresses listed in self are
// dropped.
func Peers(static, probed []string, httpPort int, self ...string) []string {
	var peers []string
	for _, addr := range static {
		if addr = strings.TrimSpace(addr); addr != "" {
			peers = append(peers, addr)
		}
	}
	for _, ip := range probed {
		peers = append(peers, utils.JoinHostPort(ip, httpPort))
	}
	peers = funk.UniqString(peers)
	peers = funk.FilterString(peers, func(addr string) bool {
		return !funk.ContainsString(self, addr)
	})
	sort.Strings(peers)
	return peers
}
