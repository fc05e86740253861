// Package routecache reads the per-packet interface routing decisions
// produced by the offline prep tool.
//
// Layout (big endian):
//
//	magic      [8]byte  "tcpprep\x00"
//	version    [4]byte  "04\x00\x00"
//	packets    uint64
//	perByte    uint16   always 4
//	commentLen uint16
//	comment    [commentLen]byte
//	data       ceil(packets/4) bytes, two bits per packet
//
// For packet i, bit 2*(i%4)+1 of byte i/4 is the send flag and bit 2*(i%4)
// selects the primary (1) or secondary (0) interface.
package routecache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	magic          = "tcpprep\x00"
	version        = "04\x00\x00"
	packetsPerByte = 4
	bitsPerPacket  = 2
	headerLen      = 8 + 4 + 8 + 2 + 2
	MaxCommentLen  = 65535
)

var (
	ErrFormat    = errors.New("invalid routing cache")
	ErrOutOfSync = errors.New("routing cache exhausted before packet source")
)

type Decision uint8

const (
	Drop Decision = iota
	SendPrimary
	SendSecondary
)

func (d Decision) String() string {
	switch d {
	case SendPrimary:
		return "primary"
	case SendSecondary:
		return "secondary"
	default:
		return "drop"
	}
}

// Cache holds the decoded decision bits of one cache stream.
type Cache struct {
	packets uint64
	comment string
	data    []byte
}

func Open(path string) (*Cache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func Load(r io.Reader) (*Cache, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if string(hdr[0:8]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, hdr[0:8])
	}
	if string(hdr[8:12]) != version {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrFormat, bytes.TrimRight(hdr[8:12], "\x00"))
	}
	packets := binary.BigEndian.Uint64(hdr[12:20])
	perByte := binary.BigEndian.Uint16(hdr[20:22])
	commentLen := binary.BigEndian.Uint16(hdr[22:24])
	if perByte != packetsPerByte {
		return nil, fmt.Errorf("%w: %d packets per byte, expected %d", ErrFormat, perByte, packetsPerByte)
	}

	comment := make([]byte, commentLen)
	if _, err := io.ReadFull(r, comment); err != nil {
		return nil, fmt.Errorf("%w: short comment: %v", ErrFormat, err)
	}

	want := dataLen(packets)
	data, err := io.ReadAll(io.LimitReader(r, int64(want)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading decisions: %v", ErrFormat, err)
	}
	if uint64(len(data)) < want {
		return nil, fmt.Errorf("%w: header claims %d packets but only %d bytes of decisions follow",
			ErrFormat, packets, len(data))
	}

	return &Cache{packets: packets, comment: string(comment), data: data}, nil
}

func dataLen(packets uint64) uint64 {
	return (packets + packetsPerByte - 1) / packetsPerByte
}

// Len is the number of packets the cache has decisions for.
func (c *Cache) Len() uint64 { return c.packets }

func (c *Cache) Comment() string { return c.comment }

// Lookup returns the decision for the zero-based packet index.
func (c *Cache) Lookup(i uint64) (Decision, error) {
	if i >= c.packets {
		return Drop, fmt.Errorf("%w: packet %d, cache holds %d", ErrOutOfSync, i+1, c.packets)
	}
	b := c.data[i/packetsPerByte]
	bit := uint((i % packetsPerByte) * bitsPerPacket)
	if b&(1<<(bit+1)) == 0 {
		return Drop, nil
	}
	if b&(1<<bit) != 0 {
		return SendPrimary, nil
	}
	return SendSecondary, nil
}

// Cursor walks decisions strictly in packet order.
type Cursor struct {
	c   *Cache
	pos uint64
}

func (c *Cache) Cursor() *Cursor { return &Cursor{c: c} }

func (cur *Cursor) Next() (Decision, error) {
	d, err := cur.c.Lookup(cur.pos)
	if err != nil {
		return d, err
	}
	cur.pos++
	return d, nil
}

// Position is the number of decisions consumed so far.
func (cur *Cursor) Position() uint64 { return cur.pos }

func (cur *Cursor) Reset() { cur.pos = 0 }

// Encode serialises decisions in the cache layout.
func Encode(decisions []Decision, comment string) ([]byte, error) {
	if len(comment) > MaxCommentLen {
		return nil, fmt.Errorf("comment is %d bytes, limit %d", len(comment), MaxCommentLen)
	}
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteString(version)
	var fixed [12]byte
	binary.BigEndian.PutUint64(fixed[0:8], uint64(len(decisions)))
	binary.BigEndian.PutUint16(fixed[8:10], packetsPerByte)
	binary.BigEndian.PutUint16(fixed[10:12], uint16(len(comment)))
	buf.Write(fixed[:])
	buf.WriteString(comment)

	data := make([]byte, dataLen(uint64(len(decisions))))
	for i, d := range decisions {
		bit := uint((i % packetsPerByte) * bitsPerPacket)
		switch d {
		case SendPrimary:
			data[i/packetsPerByte] |= 1<<bit | 1<<(bit+1)
		case SendSecondary:
			data[i/packetsPerByte] |= 1 << (bit + 1)
		}
	}
	buf.Write(data)
	return buf.Bytes(), nil
}
