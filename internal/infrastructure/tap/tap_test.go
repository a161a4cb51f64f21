package tap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"intercom/internal/core/ports"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func isRTCP(b []byte) bool {
	return len(b) > 1 && b[1] >= 192 && b[1] <= 223
}

func TestRTPTap_MirrorsBothDirections(t *testing.T) {
	sink := listen(t)
	tp, err := Dial(context.Background(), Config{
		Address:      sink.LocalAddr().String(),
		PayloadType:  97,
		RTCPInterval: time.Hour,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer tp.Close()

	tp.Mirror(ports.TapOutbound, []byte{1, 2}) // not started: dropped
	tp.CallStarted("call-1")

	tp.Mirror(ports.TapOutbound, []byte{0x01, 0x02, 0x03, 0x04})
	tp.Mirror(ports.TapOutbound, []byte{0x05, 0x06})
	tp.Mirror(ports.TapInbound, []byte{0x07, 0x08})

	var first, second, in rtp.Packet
	require.NoError(t, first.Unmarshal(read(t, sink)))
	require.NoError(t, second.Unmarshal(read(t, sink)))
	require.NoError(t, in.Unmarshal(read(t, sink)))

	assert.Equal(t, uint8(97), first.PayloadType)
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, first.Payload, "network byte order")
	assert.True(t, first.Marker)
	assert.False(t, second.Marker)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+2, second.Timestamp)
	assert.Equal(t, first.SSRC, second.SSRC)
	assert.NotEqual(t, first.SSRC, in.SSRC)

	tp.CallEnded("call-1")

	raw := read(t, sink)
	require.True(t, isRTCP(raw))
	pkts, err := rtcp.Unmarshal(raw)
	require.NoError(t, err)

	var reports int
	var bye *rtcp.Goodbye
	for _, p := range pkts {
		switch p := p.(type) {
		case *rtcp.SenderReport:
			reports++
			if p.SSRC == first.SSRC {
				assert.Equal(t, uint32(2), p.PacketCount)
				assert.Equal(t, uint32(6), p.OctetCount)
			}
		case *rtcp.Goodbye:
			bye = p
		}
	}
	assert.Equal(t, 2, reports)
	require.NotNil(t, bye)
	assert.ElementsMatch(t, []uint32{first.SSRC, in.SSRC}, bye.Sources)

	tp.Mirror(ports.TapOutbound, []byte{1, 2})
	require.NoError(t, sink.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = sink.Read(make([]byte, 100))
	assert.Error(t, err, "nothing after the call ended")
}

func TestRTPTap_PeriodicSenderReports(t *testing.T) {
	sink := listen(t)
	tp, err := Dial(context.Background(), Config{
		Address:      sink.LocalAddr().String(),
		PayloadType:  96,
		RTCPInterval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer tp.Close()

	tp.CallStarted("call-2")
	raw := read(t, sink)
	require.True(t, isRTCP(raw))
	pkts, err := rtcp.Unmarshal(raw)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	_, ok := pkts[0].(*rtcp.SenderReport)
	assert.True(t, ok)
}

func TestNTPTime(t *testing.T) {
	ts := time.Unix(0, int64(time.Second/2))
	assert.Equal(t, uint64(ntpEpoch)<<32|1<<31, ntpTime(ts))
}
