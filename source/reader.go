package source

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// Reader opens a source for sequential reading. Implementations must
// preserve record order.
type Reader interface {
	Open(src Source) (Handle, error)
}

// Handle yields packets until io.EOF.
type Handle interface {
	Next() (Packet, error)
	Close() error
}

const (
	magicPcapMicro   = 0xa1b2c3d4
	magicPcapNano    = 0xa1b23c4d
	magicPcapngBlock = 0x0a0d0d0a
)

// PcapReader reads classic pcap (micro and nanosecond) and pcapng files.
type PcapReader struct {
	mu  sync.Mutex
	fds map[uintptr]*descriptor
}

type descriptor struct {
	f      *os.File
	opened bool
}

func NewPcapReader() *PcapReader {
	return &PcapReader{fds: make(map[uintptr]*descriptor)}
}

func (r *PcapReader) Open(src Source) (Handle, error) {
	switch src.Type {
	case Filename:
		f, err := os.Open(src.Filename)
		if err != nil {
			return nil, err
		}
		return newPcapHandle(f, f)
	case Descriptor:
		f, err := r.descriptorFile(src.FD)
		if err != nil {
			return nil, err
		}
		// the caller owns the descriptor, so closing the handle leaves it open
		return newPcapHandle(f, keepOpen{})
	default:
		return nil, fmt.Errorf("%s sources are not read through a reader", src.Type)
	}
}

// descriptorFile rewinds a descriptor for every pass after the first; a
// descriptor that cannot seek can only be read once.
func (r *PcapReader) descriptorFile(fd uintptr) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.fds[fd]
	if !ok {
		d = &descriptor{f: os.NewFile(fd, fmt.Sprintf("fd:%d", fd))}
		if d.f == nil {
			return nil, fmt.Errorf("invalid descriptor %d", fd)
		}
		r.fds[fd] = d
	}
	if d.opened {
		if _, err := d.f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("descriptor %d cannot be re-read: %w", fd, err)
		}
	}
	d.opened = true
	return d.f, nil
}

type keepOpen struct{}

func (keepOpen) Close() error { return nil }

type pcapHandle struct {
	src    gopacket.PacketDataSource
	closer io.Closer
}

func newPcapHandle(r io.Reader, closer io.Closer) (*pcapHandle, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(4)
	if err != nil {
		closer.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("empty capture file: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}

	var src gopacket.PacketDataSource
	be := binary.BigEndian.Uint32(head)
	le := binary.LittleEndian.Uint32(head)
	switch {
	case be == magicPcapngBlock:
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			closer.Close()
			return nil, fmt.Errorf("pcapng header: %w", err)
		}
		src = ng
	case be == magicPcapMicro, le == magicPcapMicro, be == magicPcapNano, le == magicPcapNano:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			closer.Close()
			return nil, fmt.Errorf("pcap header: %w", err)
		}
		src = pr
	default:
		closer.Close()
		return nil, fmt.Errorf("unknown capture format (magic 0x%08x)", be)
	}
	return &pcapHandle{src: src, closer: closer}, nil
}

func (h *pcapHandle) Next() (Packet, error) {
	data, ci, err := h.src.ReadPacketData()
	if err != nil {
		return Packet{}, err
	}
	return Packet{Timestamp: ci.Timestamp, Data: data, Length: ci.Length}, nil
}

func (h *pcapHandle) Close() error {
	return h.closer.Close()
}
