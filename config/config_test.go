package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(name string) string { return vars[name] }
}

func TestNewConfig_Defaults(t *testing.T) {
	conf, err := NewConfig(map[string]string{KeyAdvertiseAddr: "10.0.0.1:8000"}, env(nil))
	require.NoError(t, err)

	assert.NotEmpty(t, conf.Name)
	assert.Equal(t, ":8000", conf.ListenAddr)
	assert.Equal(t, 5353, conf.DiscoveryPort)
	assert.Equal(t, 3*time.Second, conf.ElectionTimeoutMin)
	assert.Equal(t, 5*time.Second, conf.ElectionTimeoutMax)
	assert.Equal(t, time.Second, conf.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, conf.RPCTimeout)
	assert.Equal(t, 30*time.Second, conf.InactivityTimeout)
	assert.Contains(t, conf.DataDir, "identity-manager-"+conf.Name)
}

func TestNewConfig_Precedence(t *testing.T) {
	vars := map[string]string{
		"IDM_PEERS":       "10.0.0.2:8000, 10.0.0.3:8000",
		"IDM_RPC_TIMEOUT": "500ms",
		"UDP_PORT":        "6000",
		"IDM_NAME":        "from-env",
	}
	conf, err := NewConfig(map[string]string{
		KeyName:          "from-flag",
		KeyAdvertiseAddr: "10.0.0.1:8000",
	}, env(vars))
	require.NoError(t, err)

	assert.Equal(t, "from-flag", conf.Name)
	assert.Equal(t, []string{"10.0.0.2:8000", "10.0.0.3:8000"}, conf.Peers)
	assert.Equal(t, 500*time.Millisecond, conf.RPCTimeout)
	assert.Equal(t, 6000, conf.DiscoveryPort)
}

func TestNewConfig_IDMDiscoveryPortWinsOverUDPPort(t *testing.T) {
	conf, err := NewConfig(map[string]string{KeyAdvertiseAddr: "h:1"}, env(map[string]string{
		"UDP_PORT":           "6000",
		"IDM_DISCOVERY_PORT": "7000",
	}))
	require.NoError(t, err)
	assert.Equal(t, 7000, conf.DiscoveryPort)
}

func TestNewConfig_DerivesAdvertiseAddr(t *testing.T) {
	conf, err := NewConfig(map[string]string{KeyListenAddr: "127.0.0.1:9100"}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", conf.AdvertiseAddr)
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"bad duration", map[string]string{KeyHeartbeat: "soon"}},
		{"min above max", map[string]string{KeyElectionMin: "6s"}},
		{"heartbeat too slow", map[string]string{KeyHeartbeat: "4s"}},
		{"negative quorum", map[string]string{KeyQuorum: "-1"}},
		{"bad bool", map[string]string{KeyDiscovery: "maybe"}},
		{"bad listen", map[string]string{KeyListenAddr: "nowhere", KeyAdvertiseAddr: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]string{KeyAdvertiseAddr: "10.0.0.1:8000"}
			for k, v := range tt.values {
				values[k] = v
			}
			_, err := NewConfig(values, env(nil))
			assert.Error(t, err)
		})
	}
}
