// Package tap mirrors relayed call audio to a UDP listener as L16 RTP, with
// RTCP sender reports multiplexed on the same socket. Point a recorder or
// `ffplay` with an SDP file at the address to listen in.
package tap

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
)

// ntpEpoch is the offset between 1900-01-01 and the unix epoch in seconds.
const ntpEpoch = 2208988800

type Config struct {
	Address      string
	PayloadType  uint8
	RTCPInterval time.Duration
}

type stream struct {
	ssrc    uint32
	seq     uint16
	ts      uint32
	packets uint32
	octets  uint32
	payload []byte
}

// RTPTap implements ports.AudioTap.
type RTPTap struct {
	cfg    Config
	conn   net.Conn
	logger *zap.SugaredLogger

	mu      sync.Mutex
	active  bool
	callID  domain.CallID
	streams [2]*stream // indexed by ports.TapDirection
	stop    chan struct{}
	buf     []byte
}

// Dial opens the UDP socket towards cfg.Address.
func Dial(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*RTPTap, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tap %s: %w", cfg.Address, err)
	}
	if cfg.RTCPInterval <= 0 {
		cfg.RTCPInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RTPTap{cfg: cfg, conn: conn, logger: logger}, nil
}

var _ ports.AudioTap = (*RTPTap)(nil)

func (t *RTPTap) CallStarted(id domain.CallID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		t.endLocked()
	}
	t.active = true
	t.callID = id
	for i := range t.streams {
		t.streams[i] = &stream{
			ssrc: rand.Uint32(),
			seq:  uint16(rand.Uint32()),
			ts:   rand.Uint32(),
		}
	}
	t.stop = make(chan struct{})
	go t.reportLoop(t.stop)

	t.logger.Infow("audio tap started",
		"call_id", id,
		"address", t.cfg.Address,
		"ssrc_out", t.streams[ports.TapOutbound].ssrc,
		"ssrc_in", t.streams[ports.TapInbound].ssrc,
	)
}

// Mirror sends pcm (little-endian) as one RTP packet in network order.
func (t *RTPTap) Mirror(dir ports.TapDirection, pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || int(dir) >= len(t.streams) || len(pcm) < 2 {
		return
	}
	s := t.streams[dir]

	n := len(pcm) &^ 1
	s.payload = append(s.payload[:0], pcm[:n]...)
	for i := 0; i < n; i += 2 {
		s.payload[i], s.payload[i+1] = s.payload[i+1], s.payload[i]
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    t.cfg.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
			Marker:         s.packets == 0,
		},
		Payload: s.payload,
	}

	var err error
	t.buf, err = appendMarshal(t.buf[:0], &pkt)
	if err == nil {
		_, err = t.conn.Write(t.buf)
	}
	if err != nil {
		t.logger.Debugw("tap write failed", "error", err)
		return
	}

	s.seq++
	s.ts += uint32(n / 2)
	s.packets++
	s.octets += uint32(n)
}

func appendMarshal(dst []byte, pkt *rtp.Packet) ([]byte, error) {
	size := pkt.MarshalSize()
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]
	n, err := pkt.MarshalTo(dst)
	return dst[:n], err
}

// CallEnded sends a final sender report and BYE for both streams.
func (t *RTPTap) CallEnded(id domain.CallID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		t.endLocked()
	}
}

func (t *RTPTap) endLocked() {
	close(t.stop)

	pkts := t.reportsLocked(time.Now())
	bye := &rtcp.Goodbye{Reason: "call ended"}
	for _, s := range t.streams {
		bye.Sources = append(bye.Sources, s.ssrc)
	}
	pkts = append(pkts, bye)
	t.sendRTCP(pkts)

	t.logger.Infow("audio tap stopped",
		"call_id", t.callID,
		"packets_out", t.streams[ports.TapOutbound].packets,
		"packets_in", t.streams[ports.TapInbound].packets,
	)
	t.active = false
	t.callID = ""
}

// reportLoop exits once stop is closed. It rechecks stop under t.mu so no
// report follows the BYE.
func (t *RTPTap) reportLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.RTCPInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			select {
			case <-stop:
				t.mu.Unlock()
				return
			default:
			}
			t.sendRTCP(t.reportsLocked(now))
			t.mu.Unlock()
		}
	}
}

func (t *RTPTap) reportsLocked(now time.Time) []rtcp.Packet {
	pkts := make([]rtcp.Packet, 0, len(t.streams)+1)
	for _, s := range t.streams {
		pkts = append(pkts, &rtcp.SenderReport{
			SSRC:        s.ssrc,
			NTPTime:     ntpTime(now),
			RTPTime:     s.ts,
			PacketCount: s.packets,
			OctetCount:  s.octets,
		})
	}
	return pkts
}

func (t *RTPTap) sendRTCP(pkts []rtcp.Packet) {
	raw, err := rtcp.Marshal(pkts)
	if err == nil {
		_, err = t.conn.Write(raw)
	}
	if err != nil {
		t.logger.Debugw("tap rtcp write failed", "error", err)
	}
}

func (t *RTPTap) Close() error {
	t.CallEnded("")
	return t.conn.Close()
}

func ntpTime(now time.Time) uint64 {
	secs := uint64(now.Unix()) + ntpEpoch
	frac := uint64(now.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}
