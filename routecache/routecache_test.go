package routecache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeLoad(t *testing.T) {
	want := []Decision{SendPrimary, SendSecondary, Drop, SendPrimary, SendSecondary}
	raw, err := Encode(want, "client/server split")
	if err != nil {
		t.Fatal(err)
	}

	c, err := Load(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() != uint64(len(want)) {
		t.Errorf("Len = %d, want %d", c.Len(), len(want))
	}
	if c.Comment() != "client/server split" {
		t.Errorf("Comment = %q", c.Comment())
	}

	var got []Decision
	cur := c.Cursor()
	for i := 0; i < len(want); i++ {
		d, err := cur.Next()
		if err != nil {
			t.Fatalf("decision %d: %v", i, err)
		}
		got = append(got, d)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decisions mismatch (-want +got):\n%s", diff)
	}
	if _, err := cur.Next(); !errors.Is(err, ErrOutOfSync) {
		t.Errorf("expected ErrOutOfSync past the end, got %v", err)
	}

	cur.Reset()
	if d, _ := cur.Next(); d != SendPrimary {
		t.Errorf("after Reset first decision = %v", d)
	}
}

func TestBitLayout(t *testing.T) {
	raw, _ := Encode([]Decision{SendPrimary, SendSecondary, Drop, SendPrimary}, "")
	data := raw[headerLen:]
	// packet0 = 11, packet1 = 10, packet2 = 00, packet3 = 11, low bits first
	if len(data) != 1 || data[0] != 0b11_00_10_11 {
		t.Errorf("data = %08b, want 11001011", data)
	}
}

func TestLoadPrepWrittenCache(t *testing.T) {
	raw := []byte("tcpprep\x0004\x00\x00")
	raw = append(raw, 0, 0, 0, 0, 0, 0, 0, 5) // packets
	raw = append(raw, 0, 4)                   // per byte
	raw = append(raw, 0, 0)                   // comment length
	// send bit high, direction bit low within each pair
	raw = append(raw, 0b00_11_10_11, 0b10)

	c, err := Load(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var got []Decision
	for i := uint64(0); i < c.Len(); i++ {
		d, err := c.Lookup(i)
		if err != nil {
			t.Fatalf("Lookup(%d): %v", i, err)
		}
		got = append(got, d)
	}
	want := []Decision{SendPrimary, SendSecondary, SendPrimary, Drop, SendSecondary}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decisions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	good, _ := Encode([]Decision{SendPrimary, SendPrimary, SendPrimary, SendPrimary, SendPrimary}, "x")

	tests := []struct {
		name string
		raw  []byte
	}{
		{"short header", good[:10]},
		{"bad magic", append([]byte("tcpdump\x00"), good[8:]...)},
		{"bad version", append(append([]byte{}, good[:8]...), append([]byte("03\x00\x00"), good[12:]...)...)},
		{"truncated comment", good[:headerLen]},
		{"truncated data", good[:len(good)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(bytes.NewReader(tt.raw)); !errors.Is(err, ErrFormat) {
				t.Errorf("expected ErrFormat, got %v", err)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "split.cache")
	raw, _ := Encode([]Decision{Drop, SendSecondary}, "")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if d, _ := c.Lookup(1); d != SendSecondary {
		t.Errorf("Lookup(1) = %v, want secondary", d)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
