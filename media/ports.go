// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrPortsExhausted is returned by PortAllocator when a full scan of the
// configured range produced no bindable even/odd pair.
var ErrPortsExhausted = errors.New("media: rtp port range exhausted")

// PortAllocator hands out even/odd UDP port pairs (RTP/RTCP) from a
// configured range, wrapping around a process-wide cursor. It is shared by
// every session in the process, mirroring the single rtpengine-style port
// pool the spec assumes.
type PortAllocator struct {
	mu       sync.Mutex
	min, max int // min forced even, inclusive range
	next     int

	// LocalIP is the address new listeners bind to. Nil means wildcard of
	// the preferred address family.
	LocalIP net.IP

	// DSCPAudio and DSCPVideo, when non-zero, are applied as IP_TOS = v<<2
	// on the RTP socket for the respective medium.
	DSCPAudio int
	DSCPVideo int
}

// NewPortAllocator builds an allocator over [min, max]. min is forced even;
// the bounds are swapped if given in reverse order.
func NewPortAllocator(min, max int, localIP net.IP) *PortAllocator {
	if min > max {
		min, max = max, min
	}
	if min%2 != 0 {
		min++
	}
	return &PortAllocator{
		min:     min,
		max:     max,
		next:    min,
		LocalIP: localIP,
	}
}

// AllocatePair binds an RTP and RTCP socket on consecutive even/odd ports
// and returns both. isVideo selects which DSCP value (if any) is applied to
// the RTP socket.
func (a *PortAllocator) AllocatePair(isVideo bool) (rtpConn, rtcpConn *net.UDPConn, rtpPort, rtcpPort int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	scanned := false

	var pendingRTP *net.UDPConn
	var pendingPort int

	defer func() {
		if pendingRTP != nil {
			pendingRTP.Close()
		}
	}()

	for {
		if scanned && a.next == start {
			return nil, nil, 0, 0, ErrPortsExhausted
		}
		scanned = true

		port := a.next
		a.next += 2
		if a.next > a.max {
			a.next = a.min
		}

		var rc *net.UDPConn
		if pendingRTP != nil && pendingPort == port {
			rc = pendingRTP
			pendingRTP = nil
		} else {
			rc, err = a.listen(port)
			if err != nil {
				continue
			}
		}

		cc, err2 := a.listen(port + 1)
		if err2 != nil {
			// Keep the bound RTP socket around for the next iteration
			// instead of closing and reopening it.
			pendingRTP = rc
			pendingPort = port
			continue
		}

		if isVideo {
			a.applyDSCP(rc, a.DSCPVideo)
		} else {
			a.applyDSCP(rc, a.DSCPAudio)
		}

		return rc, cc, port, port + 1, nil
	}
}

func (a *PortAllocator) listen(port int) (*net.UDPConn, error) {
	network := "udp4"
	if a.LocalIP == nil || a.LocalIP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: a.LocalIP, Port: port})
	if err != nil {
		return nil, err
	}
	if network == "udp6" {
		a.clearV6Only(conn)
	}
	return conn, nil
}

// clearV6Only allows a wildcard IPv6 listener to also accept mapped IPv4
// traffic, per the spec's "one family per process, v6-only off" rule.
func (a *PortAllocator) clearV6Only(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
}

func (a *PortAllocator) applyDSCP(conn *net.UDPConn, dscp int) {
	if dscp <= 0 {
		return
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	tos := dscp << 2
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
}

func (a *PortAllocator) String() string {
	return fmt.Sprintf("media.PortAllocator{range: %d-%d}", a.min, a.max)
}
