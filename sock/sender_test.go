package sock

import (
	"errors"
	"net"
	"os"
	"testing"
)

func TestOpenUnknownInterface(t *testing.T) {
	if _, err := Open("pktreplay-does-not-exist0"); err == nil {
		t.Fatal("expected error for missing interface")
	}
}

func TestSenderLoopback(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("packet sockets need CAP_NET_RAW")
	}
	lo, err := loopbackName()
	if err != nil {
		t.Skip(err)
	}

	s, err := Open(lo)
	if err != nil {
		t.Fatalf("Open(%s): %v", lo, err)
	}
	if s.Name() != lo {
		t.Errorf("Name = %q", s.Name())
	}
	if s.MTU() <= ethernetHeaderLen {
		t.Errorf("MTU = %d", s.MTU())
	}

	frame := make([]byte, 60)
	copy(frame[12:14], []byte{0x88, 0xb5}) // local experimental ethertype
	n, err := s.Send(frame)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(frame) {
		t.Errorf("sent %d bytes, want %d", n, len(frame))
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Send(frame); !errors.Is(err, net.ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func loopbackName() (string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, ifi := range ifs {
		if ifi.Flags&net.FlagLoopback != 0 {
			return ifi.Name, nil
		}
	}
	return "", errors.New("no loopback interface")
}
