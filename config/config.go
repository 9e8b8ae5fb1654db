package config

import (
	"os"
	"os/user"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/utils"
)

// Keys of the values map handed to NewConfig. main fills it from flags.
const (
	KeyName              = "name"
	KeyListenAddr        = "listen"
	KeyAdvertiseAddr     = "advertise"
	KeyDataDir           = "data-dir"
	KeyPeers             = "peers"
	KeyDiscovery         = "discovery"
	KeyDiscoveryPort     = "discovery-port"
	KeyDiscoveryHosts    = "discovery-hosts"
	KeyElectionMin       = "election-timeout-min"
	KeyElectionMax       = "election-timeout-max"
	KeyHeartbeat         = "heartbeat-interval"
	KeyRPCTimeout        = "rpc-timeout"
	KeyQuorum            = "quorum"
	KeyInactivityTimeout = "inactivity-timeout"
	KeySweepInterval     = "sweep-interval"
	KeyLogLevel          = "log-level"
	KeyLogFormat         = "log-format"
)

// envNames maps each key to the environment variables that may set it, in
// increasing precedence.
var envNames = map[string][]string{
	KeyName:              {"IDM_NAME"},
	KeyListenAddr:        {"IDM_LISTEN_ADDR"},
	KeyAdvertiseAddr:     {"IDM_ADVERTISE_ADDR"},
	KeyDataDir:           {"IDM_DATA_DIR"},
	KeyPeers:             {"IDM_PEERS"},
	KeyDiscovery:         {"IDM_DISCOVERY"},
	KeyDiscoveryPort:     {"UDP_PORT", "IDM_DISCOVERY_PORT"},
	KeyDiscoveryHosts:    {"IDM_DISCOVERY_HOSTS"},
	KeyElectionMin:       {"IDM_ELECTION_TIMEOUT_MIN"},
	KeyElectionMax:       {"IDM_ELECTION_TIMEOUT_MAX"},
	KeyHeartbeat:         {"IDM_HEARTBEAT_INTERVAL"},
	KeyRPCTimeout:        {"IDM_RPC_TIMEOUT"},
	KeyQuorum:            {"IDM_QUORUM"},
	KeyInactivityTimeout: {"IDM_INACTIVITY_TIMEOUT"},
	KeySweepInterval:     {"IDM_SWEEP_INTERVAL"},
	KeyLogLevel:          {"IDM_LOG_LEVEL"},
	KeyLogFormat:         {"IDM_LOG_FORMAT"},
}

// Config is the configuration of one manager.
type Config struct {
	Name string
	// ListenAddr is where the HTTP server binds.
	ListenAddr string
	// AdvertiseAddr is how other managers reach this one. It is also the
	// node id.
	AdvertiseAddr string
	DataDir       string
	Peers         []string

	DiscoveryEnabled bool
	DiscoveryPort    int
	DiscoveryHosts   []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	QuorumThreshold    int

	InactivityTimeout time.Duration
	SweepInterval     time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration. AdvertiseAddr and DataDir are
// derived later from the listen address and the name.
func Default() Config {
	return Config{
		Name:               shortuuid.New(),
		ListenAddr:         ":8000",
		DiscoveryEnabled:   true,
		DiscoveryPort:      5353,
		ElectionTimeoutMin: 3 * time.Second,
		ElectionTimeoutMax: 5 * time.Second,
		HeartbeatInterval:  time.Second,
		RPCTimeout:         2 * time.Second,
		InactivityTimeout:  30 * time.Second,
		SweepInterval:      30 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// NewConfig layers the environment (read through getenv) and then values
// over the defaults, fills derived fields and validates the result.
func NewConfig(values map[string]string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	merged := make(map[string]string)
	for key, names := range envNames {
		for _, name := range names {
			if v := getenv(name); v != "" {
				merged[key] = v
			}
		}
	}
	for key, v := range values {
		if v != "" {
			merged[key] = v
		}
	}

	conf := Default()
	if err := conf.apply(merged); err != nil {
		return Config{}, err
	}
	if err := conf.derive(); err != nil {
		return Config{}, err
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func (c *Config) apply(m map[string]string) error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := m[key]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := m[key]; ok && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = errors.Wrapf(perr, "config: %s", key)
				return
			}
			*dst = d
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := m[key]; ok && err == nil {
			n, perr := strconv.Atoi(strings.TrimSpace(v))
			if perr != nil {
				err = errors.Wrapf(perr, "config: %s", key)
				return
			}
			*dst = n
		}
	}

	setString(KeyName, &c.Name)
	setString(KeyListenAddr, &c.ListenAddr)
	setString(KeyAdvertiseAddr, &c.AdvertiseAddr)
	setString(KeyDataDir, &c.DataDir)
	setString(KeyLogLevel, &c.LogLevel)
	setString(KeyLogFormat, &c.LogFormat)
	if v, ok := m[KeyPeers]; ok {
		c.Peers = splitList(v)
	}
	if v, ok := m[KeyDiscoveryHosts]; ok {
		c.DiscoveryHosts = splitList(v)
	}
	if v, ok := m[KeyDiscovery]; ok {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return errors.Wrapf(perr, "config: %s", KeyDiscovery)
		}
		c.DiscoveryEnabled = b
	}
	setInt(KeyDiscoveryPort, &c.DiscoveryPort)
	setInt(KeyQuorum, &c.QuorumThreshold)
	setDuration(KeyElectionMin, &c.ElectionTimeoutMin)
	setDuration(KeyElectionMax, &c.ElectionTimeoutMax)
	setDuration(KeyHeartbeat, &c.HeartbeatInterval)
	setDuration(KeyRPCTimeout, &c.RPCTimeout)
	setDuration(KeyInactivityTimeout, &c.InactivityTimeout)
	setDuration(KeySweepInterval, &c.SweepInterval)
	return err
}

func (c *Config) derive() error {
	if c.AdvertiseAddr == "" {
		port, err := utils.Port(c.ListenAddr)
		if err != nil {
			return errors.Wrap(err, "config: listen address")
		}
		host := utils.Host(c.ListenAddr)
		if host == "" || host == "0.0.0.0" {
			if host, err = utils.LocalIP(); err != nil {
				host = "127.0.0.1"
			}
		}
		c.AdvertiseAddr = utils.JoinHostPort(host, port)
	}
	if c.DataDir == "" {
		home := os.TempDir()
		if usr, err := user.Current(); err == nil {
			home = usr.HomeDir
		}
		c.DataDir = path.Join(home, "identity-manager-"+c.Name)
	}
	return nil
}

// Validate rejects settings the node cannot run with.
func (c Config) Validate() error {
	switch {
	case c.AdvertiseAddr == "":
		return errors.New("config: advertise address cannot be empty")
	case c.DataDir == "":
		return errors.New("config: data directory cannot be empty")
	case c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= 0:
		return errors.New("config: election timeouts must be positive")
	case c.ElectionTimeoutMin > c.ElectionTimeoutMax:
		return errors.New("config: election timeout min exceeds max")
	case c.HeartbeatInterval <= 0:
		return errors.New("config: heartbeat interval must be positive")
	case c.HeartbeatInterval >= c.ElectionTimeoutMin:
		return errors.New("config: heartbeat interval must be below the election timeout")
	case c.RPCTimeout <= 0:
		return errors.New("config: rpc timeout must be positive")
	case c.InactivityTimeout <= 0 || c.SweepInterval <= 0:
		return errors.New("config: inactivity timeout and sweep interval must be positive")
	case c.QuorumThreshold < 0:
		return errors.New("config: quorum threshold cannot be negative")
	case c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535:
		return errors.Errorf("config: discovery port %d out of range", c.DiscoveryPort)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
