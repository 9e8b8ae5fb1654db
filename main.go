package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gwDistSys20/identity-manager/config"
	"github.com/gwDistSys20/identity-manager/directory"
	"github.com/gwDistSys20/identity-manager/discovery"
	"github.com/gwDistSys20/identity-manager/dispatcher"
	"github.com/gwDistSys20/identity-manager/filemanager"
	"github.com/gwDistSys20/identity-manager/gateway"
	"github.com/gwDistSys20/identity-manager/logging"
	"github.com/gwDistSys20/identity-manager/raft"
	"github.com/gwDistSys20/identity-manager/transport"
	"github.com/gwDistSys20/identity-manager/utils"
)

func parseCommandLineArgs() map[string]string {
	values := make(map[string]string)
	namePtr := flag.String("name", "", "Name of this manager, used for the default data directory")
	listenPtr := flag.String("listen", "", "Address the HTTP server binds, e.g. :8000")
	advertisePtr := flag.String("advertise", "", "Address other managers use to reach this one")
	dataDirPtr := flag.String("data-dir", "", "Directory holding the log, state and users")
	peersPtr := flag.String("peers", "", "Comma separated addresses of other managers")
	discoveryPtr := flag.String("discovery", "", "Probe the local network for managers (true/false)")
	discoveryPortPtr := flag.String("discovery-port", "", "UDP port of the discovery responder")
	discoveryHostsPtr := flag.String("discovery-hosts", "", "Comma separated hosts to probe instead of the local /24")
	quorumPtr := flag.String("quorum", "", "Acknowledgements needed beyond this value to commit; 0 derives it from the cluster size")
	logLevelPtr := flag.String("log-level", "", "debug, info, warn or error")
	logFormatPtr := flag.String("log-format", "", "text or json")
	flag.Parse()
	values[config.KeyName] = *namePtr
	values[config.KeyListenAddr] = *listenPtr
	values[config.KeyAdvertiseAddr] = *advertisePtr
	values[config.KeyDataDir] = *dataDirPtr
	values[config.KeyPeers] = *peersPtr
	values[config.KeyDiscovery] = *discoveryPtr
	values[config.KeyDiscoveryPort] = *discoveryPortPtr
	values[config.KeyDiscoveryHosts] = *discoveryHostsPtr
	values[config.KeyQuorum] = *quorumPtr
	values[config.KeyLogLevel] = *logLevelPtr
	values[config.KeyLogFormat] = *logFormatPtr
	return values
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "identity-manager:", err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := config.NewConfig(parseCommandLineArgs(), os.Getenv)
	if err != nil {
		return err
	}
	logger, err := logging.New(conf.LogLevel, conf.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With("manager", conf.AdvertiseAddr)
	logger.Info("starting identity manager", "name", conf.Name, "dataDir", conf.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fm, err := filemanager.NewFileManager(conf.DataDir)
	if err != nil {
		return err
	}
	registry, err := directory.NewRegistry(fm, logger)
	if err != nil {
		return err
	}
	d := dispatcher.New()
	if err := registry.Register(d); err != nil {
		return err
	}

	peers := conf.Peers
	if conf.DiscoveryEnabled {
		peers = discoverPeers(ctx, conf, logger)
	}
	logger.Info("initial peers", "peers", peers)

	tr := transport.NewHTTPTransport(conf.AdvertiseAddr, conf.RPCTimeout, logger)
	node, err := raft.NewRaft(raft.Config{
		ID:                 conf.AdvertiseAddr,
		Peers:              peers,
		ElectionTimeoutMin: conf.ElectionTimeoutMin,
		ElectionTimeoutMax: conf.ElectionTimeoutMax,
		HeartbeatInterval:  conf.HeartbeatInterval,
		RPCTimeout:         conf.RPCTimeout,
		QuorumThreshold:    conf.QuorumThreshold,
	}, filemanager.NewLogStore(fm), filemanager.NewStateStore(fm), d, tr, logger)
	if err != nil {
		return err
	}
	node.SetLeaderObserver(gateway.NewClientNotifier(registry, tr, conf.RPCTimeout, logger))

	// A command waits for every peer's RPC timeout at most once.
	server := gateway.NewServer(conf.ListenAddr, node, d, tr, registry, 2*conf.RPCTimeout+time.Second, logger)
	if err := server.Start(); err != nil {
		return err
	}

	var responder *discovery.Responder
	if conf.DiscoveryEnabled {
		responder, err = discovery.Listen(":"+strconv.Itoa(conf.DiscoveryPort), logger)
		if err != nil {
			logger.Warn("discovery responder disabled", "err", err)
		} else {
			go responder.Serve()
		}
	}

	node.Announce(ctx)
	if leader := node.DiscoverLeader(ctx); leader != "" {
		logger.Info("joined cluster", "leader", leader)
	}
	node.Start()

	sweeper := directory.NewSweeper(registry, d, node, tr,
		conf.SweepInterval, conf.InactivityTimeout, conf.RPCTimeout, logger)
	go sweeper.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	node.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if responder != nil {
		responder.Close()
	}
	return nil
}

// discoverPeers probes the configured hosts, or the local /24 when none are
// configured, and merges the answers with the static peer list.
func discoverPeers(ctx context.Context, conf config.Config, logger *slog.Logger) []string {
	hosts := conf.DiscoveryHosts
	if len(hosts) == 0 {
		ip := utils.Host(conf.AdvertiseAddr)
		subnet, err := utils.SubnetHosts(ip)
		if err != nil {
			logger.Warn("cannot derive discovery subnet", "ip", ip, "err", err)
			return conf.Peers
		}
		hosts = subnet
	}
	port, err := utils.Port(conf.AdvertiseAddr)
	if err != nil {
		logger.Warn("cannot derive http port", "err", err)
		return conf.Peers
	}
	prober := &discovery.Prober{Port: conf.DiscoveryPort, Timeout: conf.RPCTimeout, Logger: logger}
	probed, err := prober.Probe(ctx, hosts)
	if err != nil {
		logger.Warn("discovery probe failed", "err", err)
		return conf.Peers
	}
	return discovery.Peers(conf.Peers, probed, port, conf.AdvertiseAddr)
}
