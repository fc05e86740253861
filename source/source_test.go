package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func makePackets(count int, tag byte, interval time.Duration) []Packet {
	pkts := make([]Packet, count)
	for i := range pkts {
		data := bytes.Repeat([]byte{tag}, 60+i)
		pkts[i] = Packet{Timestamp: epoch.Add(time.Duration(i) * interval), Data: data, Length: len(data)}
	}
	return pkts
}

func writePcap(t *testing.T, path string, pkts []Packet) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	for _, p := range pkts {
		ci := gopacket.CaptureInfo{Timestamp: p.Timestamp, CaptureLength: len(p.Data), Length: p.Length}
		if err := w.WritePacket(ci, p.Data); err != nil {
			t.Fatal(err)
		}
	}
}

// memReader serves packets from memory and counts Open calls per source.
type memReader struct {
	data  map[string][]Packet
	fail  map[string]error
	opens map[string]int
}

func newMemReader() *memReader {
	return &memReader{data: map[string][]Packet{}, fail: map[string]error{}, opens: map[string]int{}}
}

func (r *memReader) Open(src Source) (Handle, error) {
	r.opens[src.Filename]++
	pkts, ok := r.data[src.Filename]
	if !ok {
		return nil, fmt.Errorf("no such source %q", src.Filename)
	}
	return &memHandle{pkts: pkts, failAt: r.fail[src.Filename]}, nil
}

type memHandle struct {
	pkts   []Packet
	pos    int
	failAt error
}

func (h *memHandle) Next() (Packet, error) {
	if h.pos >= len(h.pkts) {
		if h.failAt != nil {
			return Packet{}, h.failAt
		}
		return Packet{}, io.EOF
	}
	p := h.pkts[h.pos]
	h.pos++
	return p, nil
}

func (h *memHandle) Close() error { return nil }

func drain(t *testing.T, it *Iterator) []Packet {
	t.Helper()
	var out []Packet
	for {
		p, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, p)
	}
}

func fileSources(t *testing.T, names ...string) []Source {
	t.Helper()
	var s Sources
	for _, n := range names {
		if _, err := s.Add(Source{Type: Filename, Filename: n}); err != nil {
			t.Fatal(err)
		}
	}
	return s.All()
}

func TestPcapReader_ClassicPcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.pcap")
	want := makePackets(3, 0xaa, 10*time.Millisecond)
	writePcap(t, path, want)

	h, err := NewPcapReader().Open(Source{Type: Filename, Filename: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	for i, w := range want {
		p, err := h.Next()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if !p.Timestamp.Equal(w.Timestamp) {
			t.Errorf("packet %d timestamp = %v, want %v", i, p.Timestamp, w.Timestamp)
		}
		if !bytes.Equal(p.Data, w.Data) {
			t.Errorf("packet %d data mismatch", i)
		}
	}
	if _, err := h.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after last packet, got %v", err)
	}
}

func TestPcapReader_Pcapng(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.pcapng")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	want := makePackets(2, 0xbb, time.Second)
	for _, p := range want {
		ci := gopacket.CaptureInfo{Timestamp: p.Timestamp, CaptureLength: len(p.Data), Length: p.Length}
		if err := w.WritePacket(ci, p.Data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	h, err := NewPcapReader().Open(Source{Type: Filename, Filename: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	var got int
	for {
		p, err := h.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(p.Data, want[got].Data) {
			t.Errorf("packet %d data mismatch", got)
		}
		got++
	}
	if got != len(want) {
		t.Errorf("read %d packets, want %d", got, len(want))
	}
}

func TestPcapReader_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	t.Run("unknown magic", func(t *testing.T) {
		path := filepath.Join(dir, "junk.bin")
		os.WriteFile(path, []byte("definitely not a capture file"), 0644)
		if _, err := NewPcapReader().Open(Source{Type: Filename, Filename: path}); err == nil {
			t.Error("expected error for unknown format")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.pcap")
		os.WriteFile(path, nil, 0644)
		if _, err := NewPcapReader().Open(Source{Type: Filename, Filename: path}); err == nil {
			t.Error("expected error for zero-byte file")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := NewPcapReader().Open(Source{Type: Filename, Filename: filepath.Join(dir, "nope.pcap")}); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestPcapReader_DescriptorRewinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fd.pcap")
	writePcap(t, path, makePackets(2, 0x01, time.Millisecond))
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}

	r := NewPcapReader()
	src := Source{Type: Descriptor, FD: uintptr(fd)}
	for pass := 0; pass < 2; pass++ {
		h, err := r.Open(src)
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		n := 0
		for {
			if _, err := h.Next(); err != nil {
				break
			}
			n++
		}
		h.Close()
		if n != 2 {
			t.Errorf("pass %d read %d packets, want 2", pass, n)
		}
	}
}

func TestSources_Bounded(t *testing.T) {
	var s Sources
	for i := 0; i < MaxSources; i++ {
		if _, err := s.Add(Source{Type: Filename, Filename: fmt.Sprintf("f%d", i)}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if _, err := s.Add(Source{Type: Filename, Filename: "overflow"}); !errors.Is(err, ErrTooManySources) {
		t.Errorf("expected ErrTooManySources, got %v", err)
	}
	if s.Len() != MaxSources {
		t.Errorf("Len = %d, want %d", s.Len(), MaxSources)
	}
	if s.At(7).Index != 7 {
		t.Errorf("index not assigned: %d", s.At(7).Index)
	}
}

func TestSources_RejectsIncompleteCache(t *testing.T) {
	var s Sources
	if _, err := s.Add(Source{Type: Cached, Cache: NewFileCache()}); err == nil {
		t.Error("expected error for incomplete cache source")
	}
	if _, err := s.Add(Source{Type: Filename}); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestIterator_OrderAcrossSources(t *testing.T) {
	r := newMemReader()
	r.data["a"] = makePackets(2, 'a', time.Millisecond)
	r.data["empty"] = nil
	r.data["b"] = makePackets(3, 'b', time.Millisecond)

	it := NewIterator(r, fileSources(t, "a", "empty", "b"), nil)
	got := drain(t, it)

	var tags []byte
	for _, p := range got {
		tags = append(tags, p.Data[0])
	}
	if diff := cmp.Diff("aabbb", string(tags)); diff != "" {
		t.Errorf("stream order mismatch (-want +got):\n%s", diff)
	}
	if it.Current() != 3 {
		t.Errorf("Current = %d after pass, want 3", it.Current())
	}
}

func TestIterator_FileCacheReadsOnce(t *testing.T) {
	r := newMemReader()
	r.data["a"] = makePackets(4, 'a', time.Millisecond)
	r.data["b"] = makePackets(1, 'b', time.Millisecond)

	caches := []*FileCache{NewFileCache(), NewFileCache()}
	it := NewIterator(r, fileSources(t, "a", "b"), caches)

	for pass := 0; pass < 3; pass++ {
		it.Reset()
		if got := len(drain(t, it)); got != 5 {
			t.Fatalf("pass %d: %d packets, want 5", pass, got)
		}
	}
	if r.opens["a"] != 1 || r.opens["b"] != 1 {
		t.Errorf("reader opened a=%d b=%d times, want 1 each", r.opens["a"], r.opens["b"])
	}
	if !caches[0].Complete() || caches[0].Len() != 4 {
		t.Errorf("cache a: complete=%v len=%d", caches[0].Complete(), caches[0].Len())
	}
}

func TestIterator_WithoutCacheRereads(t *testing.T) {
	r := newMemReader()
	r.data["a"] = makePackets(2, 'a', time.Millisecond)

	it := NewIterator(r, fileSources(t, "a"), nil)
	for pass := 0; pass < 3; pass++ {
		it.Reset()
		drain(t, it)
	}
	if r.opens["a"] != 3 {
		t.Errorf("reader opened %d times, want 3", r.opens["a"])
	}
}

func TestIterator_PartialCacheDiscarded(t *testing.T) {
	r := newMemReader()
	r.data["a"] = makePackets(4, 'a', time.Millisecond)

	caches := []*FileCache{NewFileCache()}
	it := NewIterator(r, fileSources(t, "a"), caches)
	if _, err := it.Next(); err != nil {
		t.Fatal(err)
	}
	it.Reset()
	if caches[0].Complete() || caches[0].Len() != 0 {
		t.Fatalf("partial cache kept: complete=%v len=%d", caches[0].Complete(), caches[0].Len())
	}
	if got := len(drain(t, it)); got != 4 {
		t.Errorf("got %d packets after reset, want 4", got)
	}
	if r.opens["a"] != 2 {
		t.Errorf("reader opened %d times, want 2", r.opens["a"])
	}
}

func TestIterator_CachedSource(t *testing.T) {
	r := newMemReader()
	r.data["a"] = makePackets(3, 'a', time.Millisecond)

	h, _ := r.Open(Source{Type: Filename, Filename: "a"})
	c, err := Load(h)
	if err != nil {
		t.Fatal(err)
	}

	var s Sources
	if _, err := s.Add(Source{Type: Cached, Cache: c}); err != nil {
		t.Fatal(err)
	}
	it := NewIterator(r, s.All(), nil)
	if got := len(drain(t, it)); got != 3 {
		t.Errorf("got %d packets, want 3", got)
	}
	if r.opens["a"] != 1 {
		t.Errorf("cached source went back to the reader")
	}
}

func TestIterator_SourceErrors(t *testing.T) {
	r := newMemReader()
	r.data["bad"] = makePackets(1, 'x', time.Millisecond)
	r.fail["bad"] = io.ErrUnexpectedEOF

	it := NewIterator(r, fileSources(t, "bad"), nil)
	if _, err := it.Next(); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	if _, err := it.Next(); !errors.Is(err, ErrSource) {
		t.Errorf("expected ErrSource for truncated record, got %v", err)
	}

	it = NewIterator(r, fileSources(t, "missing"), nil)
	if _, err := it.Next(); !errors.Is(err, ErrSource) {
		t.Errorf("expected ErrSource for unopenable source, got %v", err)
	}
}
