package sock

import (
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/daniellavrushin/pktreplay/log"
	"golang.org/x/sys/unix"
)

const (
	// PacketMark tags replayed frames so firewall rules can tell them apart
	// from locally generated traffic.
	PacketMark = 0x8000

	ethernetHeaderLen = 14
	sendRetries       = 16
)

// Sender writes complete link-layer frames to one interface through an
// AF_PACKET socket.
type Sender struct {
	name    string
	ifindex int
	mtu     int
	fd      int
}

func Open(name string) (*Sender, error) {
	return OpenWithMark(name, PacketMark)
}

func OpenWithMark(name string, mark int) (*Sender, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		log.Warnf("Interface %s is down, frames will likely be dropped", name)
	}

	// protocol 0: the socket only transmits and never receives a copy of traffic
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("packet socket: %w", err)
	}
	if mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
			log.Debugf("SO_MARK on %s: %v", name, err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}

	mtu := ifi.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	log.Tracef("Opened %s (index %d, mtu %d)", name, ifi.Index, mtu)
	return &Sender{name: name, ifindex: ifi.Index, mtu: mtu + ethernetHeaderLen, fd: fd}, nil
}

func (s *Sender) Name() string { return s.name }

// MTU is the largest frame the link accepts, Ethernet header included.
func (s *Sender) MTU() int { return s.mtu }

// Send writes one frame. A full transmit queue is retried a few times
// before giving up.
func (s *Sender) Send(frame []byte) (int, error) {
	if s.fd < 0 {
		return 0, net.ErrClosed
	}
	for attempt := 0; ; attempt++ {
		n, err := unix.Write(s.fd, frame)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if (errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EAGAIN)) && attempt < sendRetries {
			runtime.Gosched()
			continue
		}
		return 0, fmt.Errorf("send on %s: %w", s.name, err)
	}
}

func (s *Sender) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
