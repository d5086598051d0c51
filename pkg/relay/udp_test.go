package relay

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuicd/pkg/session"
	"github.com/buhuipao/tuicd/pkg/wire"
)

type fakeSink struct {
	datagrams [][]byte
	streams   [][]byte
	failSend  bool
}

func (s *fakeSink) SendDatagram(payload []byte) error {
	if s.failSend {
		return bytes.ErrTooLarge
	}
	cp := append([]byte(nil), payload...)
	s.datagrams = append(s.datagrams, cp)
	return nil
}

type fakeUniStream struct {
	sink *fakeSink
	buf  bytes.Buffer
}

func (f *fakeUniStream) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeUniStream) Close() error {
	f.sink.streams = append(f.sink.streams, append([]byte(nil), f.buf.Bytes()...))
	return nil
}

func (s *fakeSink) OpenUniStream() (SendCloser, error) {
	return &fakeUniStream{sink: s}, nil
}

func TestFragmentPayloadSingleFragmentWhenSmall(t *testing.T) {
	addr := wire.NewIPAddress(net.ParseIP("1.2.3.4"), 53)
	frames, err := fragmentPayload(1, 1, addr, []byte("hello"), 1500)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestFragmentPayloadSplitsWhenOversized(t *testing.T) {
	addr := wire.NewIPAddress(net.ParseIP("1.2.3.4"), 53)
	payload := bytes.Repeat([]byte{0x41}, 300)
	frames, err := fragmentPayload(1, 1, addr, payload, 100)
	require.NoError(t, err)
	assert.Greater(t, len(frames), 1)

	var reassembled []byte
	for i, frame := range frames {
		hdr, data, err := wire.DecodePacket(bytes.NewReader(frame[2:]))
		require.NoError(t, err)
		assert.Equal(t, uint8(i), hdr.FragID)
		if i == 0 {
			assert.True(t, hdr.HasAddress())
		} else {
			assert.False(t, hdr.HasAddress())
		}
		reassembled = append(reassembled, data...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestDeliverToClientUsesNativeDatagramsForModeNative(t *testing.T) {
	sink := &fakeSink{}
	addr := wire.NewIPAddress(net.ParseIP("1.2.3.4"), 53)
	counters := &session.Counters{}

	err := DeliverToClient(sink, session.ModeNative, 9, 1, addr, []byte("payload"), 1500, counters)
	require.NoError(t, err)
	assert.Len(t, sink.datagrams, 1)
	assert.Empty(t, sink.streams)

	_, _, _, udpTx := counters.Snapshot()
	assert.Equal(t, uint64(len("payload")), udpTx)
}

func TestDeliverToClientUsesUniStreamsForModeQUIC(t *testing.T) {
	sink := &fakeSink{}
	addr := wire.NewIPAddress(net.ParseIP("1.2.3.4"), 53)
	counters := &session.Counters{}

	err := DeliverToClient(sink, session.ModeQUIC, 9, 1, addr, []byte("payload"), 1500, counters)
	require.NoError(t, err)
	assert.Empty(t, sink.datagrams)
	assert.Len(t, sink.streams, 1)
}

func TestEgressDialerRejectsIPv6WhenDisabled(t *testing.T) {
	d := EgressDialer{AllowIPv6: false}
	_, err := d.Dial(wire.NewIPAddress(net.ParseIP("::1"), 53))
	assert.ErrorIs(t, err, ErrIPv6Disabled)
}

func TestPumpFromTargetDeliversUntilError(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	sess := session.NewUDPSession(1, 5, &session.Counters{}, session.ModeNative)
	sink := &fakeSink{}
	addr := wire.NewIPAddress(net.ParseIP("5.6.7.8"), 53)

	errCh := make(chan error, 1)
	go func() {
		errCh <- PumpFromTarget(context.Background(), client, sess, sink, addr, 1500, time.Second)
	}()

	_, err := server.Write([]byte("resp"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sink.datagrams) == 1
	}, time.Second, 5*time.Millisecond)

	server.Close()
	<-errCh
}

func TestSendToTargetWritesAndCounts(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	counters := &session.Counters{}
	go func() { SendToTarget(client, []byte("abc"), counters) }()

	buf := make([]byte, 3)
	_, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	assert.Eventually(t, func() bool {
		rx, _, _, _ := counters.Snapshot()
		return rx == 3
	}, time.Second, 5*time.Millisecond)
}
