package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuicd/pkg/session"
	"github.com/buhuipao/tuicd/pkg/wire"
)

type fakeDialer struct{ conn net.Conn }

func (f fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f.conn, nil
}

type erroringDialer struct{ err error }

func (e erroringDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, e.err
}

func TestRelayTCPCopiesBothDirectionsAndCounts(t *testing.T) {
	clientSide, clientStream := net.Pipe()
	targetSide, targetConn := net.Pipe()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := targetSide.Read(buf)
			if n > 0 {
				if _, werr := targetSide.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	counters := &session.Counters{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- RelayTCP(context.Background(), clientStream, wire.NewIPAddress(net.ParseIP("127.0.0.1"), 80), fakeDialer{conn: targetConn}, time.Second, counters)
	}()

	_, err := clientSide.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	clientSide.Close()
	<-errCh

	tcpRx, tcpTx, _, _ := counters.Snapshot()
	assert.Equal(t, uint64(5), tcpRx)
	assert.Equal(t, uint64(5), tcpTx)
}

func TestRelayTCPReturnsDialError(t *testing.T) {
	clientSide, clientStream := net.Pipe()
	defer clientSide.Close()

	wantErr := io.ErrClosedPipe
	err := RelayTCP(context.Background(), clientStream, wire.NewIPAddress(net.ParseIP("127.0.0.1"), 80), erroringDialer{err: wantErr}, time.Second, &session.Counters{})
	assert.ErrorIs(t, err, wantErr)
}

func TestPumpClosesTargetOnContextCancel(t *testing.T) {
	_, clientStream := net.Pipe()
	targetSide, targetConn := net.Pipe()
	defer targetSide.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Pump(ctx, clientStream, targetConn, &session.Counters{})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after context cancellation")
	}
}
