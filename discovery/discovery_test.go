package discovery

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProbeFindsResponder(t *testing.T) {
	r, err := Listen("127.0.0.1:0", discardLogger())
	require.NoError(t, err)
	go r.Serve()
	defer r.Close()

	p := &Prober{Port: r.Addr().Port, Timeout: 300 * time.Millisecond, Logger: discardLogger()}
	found, err := p.Probe(context.Background(), []string{"127.0.0.1", "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, found)
}

func TestResponderIgnoresOtherActions(t *testing.T) {
	r, err := Listen("127.0.0.1:0", discardLogger())
	require.NoError(t, err)
	go r.Serve()
	defer r.Close()

	conn, err := net.DialUDP("udp4", nil, r.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"action":"shutdown"}`))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	assert.Error(t, err, "no reply expected")
}

func TestProbeWithoutResponders(t *testing.T) {
	p := &Prober{Port: 1, Timeout: 100 * time.Millisecond, Logger: discardLogger()}
	found, err := p.Probe(context.Background(), []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestServeReturnsAfterClose(t *testing.T) {
	r, err := Listen("127.0.0.1:0", discardLogger())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Serve() }()

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestPeers(t *testing.T) {
	peers := Peers(
		[]string{"10.0.0.2:8000", " ", "10.0.0.3:8000"},
		[]string{"10.0.0.3", "10.0.0.4", "10.0.0.1"},
		8000,
		"10.0.0.1:8000",
	)
	assert.Equal(t, []string{"10.0.0.2:8000", "10.0.0.3:8000", "10.0.0.4:8000"}, peers)
}
