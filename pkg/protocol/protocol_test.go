package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     MessageType
		flags   Flags
		payload []byte
	}{
		{"audio chunk", TypeAudio, FlagNone, bytes.Repeat([]byte{0x11, 0x22}, ChunkSize/2)},
		{"start no ring with caller", TypeStart, FlagNoRing, []byte("Kitchen")},
		{"stop empty", TypeStop, FlagNone, nil},
		{"error busy", TypeError, FlagNone, ErrorPayload(CodeBusy)},
		{"max payload", TypeAudio, FlagEnd, make([]byte, MaxPayloadSize)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.typ, tc.flags, tc.payload)
			if err != nil {
				t.Fatalf("Encode error: %v", err)
			}
			if len(frame) != HeaderSize+len(tc.payload) {
				t.Fatalf("frame length = %d, want %d", len(frame), HeaderSize+len(tc.payload))
			}

			msg, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if msg.Type != tc.typ || msg.Flags != tc.flags {
				t.Errorf("header = %v/%v, want %v/%v", msg.Type, msg.Flags, tc.typ, tc.flags)
			}
			if !bytes.Equal(msg.Payload, tc.payload) {
				t.Errorf("payload mismatch")
			}
		})
	}
}

func TestEncode_LittleEndianLength(t *testing.T) {
	frame, err := Encode(TypeAudio, FlagNone, make([]byte, 0x0201))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	want := []byte{0x01, 0x00, 0x01, 0x02}
	if !bytes.Equal(frame[:HeaderSize], want) {
		t.Fatalf("header = % X, want % X", frame[:HeaderSize], want)
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	_, err := Encode(TypeAudio, FlagNone, make([]byte, MaxMessageSize))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := DecodeHeader([]byte{0x01, 0x00}); !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
	if _, err := Decode([]byte{0x01, 0x00, 0x08, 0x00, 0xAA}); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestCallerName(t *testing.T) {
	if got := CallerName([]byte("Front Door\x00garbage")); got != "Front Door" {
		t.Errorf("CallerName = %q, want %q", got, "Front Door")
	}
	long := bytes.Repeat([]byte("x"), MaxCallerNameSize+10)
	if got := CallerName(long); len(got) != MaxCallerNameSize {
		t.Errorf("CallerName length = %d, want %d", len(got), MaxCallerNameSize)
	}
	if got := CallerName(nil); got != "" {
		t.Errorf("CallerName(nil) = %q", got)
	}
}

func TestParseError(t *testing.T) {
	code, err := ParseError(ErrorPayload(CodeNotReady))
	if err != nil || code != CodeNotReady {
		t.Fatalf("ParseError = %v, %v", code, err)
	}
	if _, err := ParseError(nil); !errors.Is(err, ErrEmptyError) {
		t.Fatalf("expected ErrEmptyError, got %v", err)
	}
}

func TestReceiver_PartialFrame(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	payload := bytes.Repeat([]byte{0x5A}, ChunkSize)
	frame, _ := Encode(TypeAudio, FlagNone, payload)

	go func() {
		remote.Write(frame[:3])
		time.Sleep(5 * time.Millisecond)
		remote.Write(frame[3:100])
		time.Sleep(5 * time.Millisecond)
		remote.Write(frame[100:])
	}()

	rx := NewReceiver(local, MaxMessageSize)
	rx.PollTimeout = 100 * time.Millisecond

	msg, err := rx.Receive()
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if msg.Type != TypeAudio || !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("unexpected message %v len=%d", msg.Type, len(msg.Payload))
	}
}

func TestReceiver_NoMessage(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	rx := NewReceiver(local, MaxMessageSize)
	rx.PollTimeout = 5 * time.Millisecond

	if _, err := rx.Receive(); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
}

func TestReceiver_OversizedLength(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	const capacity = 16
	go func() {
		var hdr [HeaderSize]byte
		Header{Type: TypeAudio, Length: capacity}.Put(hdr[:])
		remote.Write(hdr[:])
	}()

	rx := NewReceiver(local, capacity)
	rx.PollTimeout = 100 * time.Millisecond

	_, err := rx.Receive()
	if !errors.Is(err, ErrOversized) {
		t.Fatalf("expected ErrOversized, got %v", err)
	}
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("oversized frame must be reported as connection lost, got %v", err)
	}
}

func TestReceiver_PeerClosed(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	remote.Close()

	rx := NewReceiver(local, MaxMessageSize)
	if _, err := rx.Receive(); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestReceiver_StalledPayload(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		var hdr [HeaderSize]byte
		Header{Type: TypeAudio, Length: 10}.Put(hdr[:])
		remote.Write(hdr[:])
		remote.Write([]byte{1, 2})
	}()

	rx := NewReceiver(local, MaxMessageSize)
	rx.PollTimeout = 100 * time.Millisecond
	rx.ReadBudget = 10 * time.Millisecond

	if _, err := rx.Receive(); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost for stalled payload, got %v", err)
	}
}

func TestWriteFrame_SendTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	frame, _ := Encode(TypePing, FlagNone, nil)
	err := WriteFrame(local, frame, 5*time.Millisecond)
	if !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout with no reader, got %v", err)
	}
}

func TestSendMessage_Delivered(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- SendMessage(local, TypeRing, FlagNone, nil, time.Second)
	}()

	rx := NewReceiver(remote, MaxMessageSize)
	rx.PollTimeout = time.Second
	msg, err := rx.Receive()
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if msg.Type != TypeRing || len(msg.Payload) != 0 {
		t.Fatalf("unexpected message %v", msg.Type)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
}
