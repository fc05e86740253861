// Package pcapinject transmits frames through libpcap instead of a raw
// packet socket. It needs cgo and the libpcap headers.
package pcapinject

import (
	"fmt"
	"net"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/google/gopacket/pcap"
)

const (
	snapLen           = 1600
	ethernetHeaderLen = 14
)

type Injector struct {
	name   string
	mtu    int
	handle *pcap.Handle
}

func Open(name string) (*Injector, error) {
	// not promiscuous: the handle only ever writes
	h, err := pcap.OpenLive(name, snapLen, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("pcap open %s: %w", name, err)
	}
	if err := h.SetDirection(pcap.DirectionOut); err != nil {
		log.Debugf("pcap direction on %s: %v", name, err)
	}

	mtu := 1500
	if ifi, err := net.InterfaceByName(name); err == nil && ifi.MTU > 0 {
		mtu = ifi.MTU
	}
	log.Tracef("Opened %s through libpcap (mtu %d)", name, mtu)
	return &Injector{name: name, mtu: mtu + ethernetHeaderLen, handle: h}, nil
}

func (i *Injector) Name() string { return i.name }

func (i *Injector) MTU() int { return i.mtu }

func (i *Injector) Send(frame []byte) (int, error) {
	if i.handle == nil {
		return 0, net.ErrClosed
	}
	if err := i.handle.WritePacketData(frame); err != nil {
		return 0, fmt.Errorf("inject on %s: %w", i.name, err)
	}
	return len(frame), nil
}

func (i *Injector) Close() error {
	if i.handle != nil {
		i.handle.Close()
		i.handle = nil
	}
	return nil
}
