package fabric

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotconsensus/epax/internal/config"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/vclock"
	"github.com/dotconsensus/epax/pkg/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestFabricDeliversMessageAcrossHandshake(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	received := make(chan wire.Message, 4)

	cfgA := &config.Config{
		Self:           1,
		ListenAddr:     addrA,
		Peers:          map[id.ProcessId]string{2: addrB},
		Multiplexing:   1,
		ConnectRetries: 50,
		TCPNoDelay:     true,
	}
	cfgB := &config.Config{
		Self:           2,
		ListenAddr:     addrB,
		Peers:          map[id.ProcessId]string{1: addrA},
		Multiplexing:   1,
		ConnectRetries: 50,
		TCPNoDelay:     true,
	}

	fa := New(cfgA, func(from id.ProcessId, msg wire.Message) {})
	fb := New(cfgB, func(from id.ProcessId, msg wire.Message) { received <- msg })

	require.NoError(t, fa.Start())
	require.NoError(t, fb.Start())
	defer fa.Stop()
	defer fb.Stop()

	require.Eventually(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.conns[2]) > 0
	}, 2*time.Second, 10*time.Millisecond)

	fa.Send([]id.ProcessId{2}, &wire.MCollectAck{Dot: id.NewDot(1, 1), Clock: vclock.New()})

	select {
	case msg := <-received:
		ack, ok := msg.(*wire.MCollectAck)
		require.True(t, ok)
		require.Equal(t, id.NewDot(1, 1), ack.Dot)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestFabricRoundRobinsAcrossMultiplexedConnections(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	var deliveries int
	received := make(chan struct{}, 16)

	cfgA := &config.Config{
		Self:           1,
		ListenAddr:     addrA,
		Peers:          map[id.ProcessId]string{2: addrB},
		Multiplexing:   3,
		ConnectRetries: 50,
	}
	cfgB := &config.Config{
		Self:           2,
		ListenAddr:     addrB,
		Peers:          map[id.ProcessId]string{1: addrA},
		Multiplexing:   3,
		ConnectRetries: 50,
	}

	fa := New(cfgA, func(id.ProcessId, wire.Message) {})
	fb := New(cfgB, func(id.ProcessId, wire.Message) { received <- struct{}{} })

	require.NoError(t, fa.Start())
	require.NoError(t, fb.Start())
	defer fa.Stop()
	defer fb.Stop()

	require.Eventually(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.conns[2]) == 3
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 9; i++ {
		fa.Send([]id.ProcessId{2}, &wire.MCollectAck{Dot: id.NewDot(1, uint64(i)), Clock: vclock.New()})
	}

	require.Eventually(t, func() bool {
		deliveries = len(received)
		return deliveries == 9
	}, 2*time.Second, 10*time.Millisecond)
}
