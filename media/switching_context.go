// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import "github.com/pion/rtp"

// SwitchingContext normalizes RTP sequence numbers and timestamps for a
// single medium across SSRC changes on the peer-to-host side of the relay.
//
// The peer may change its SSRC mid-session (codec switch, reconnection,
// simulcast layer change); the host side we forward to must see a
// monotonically increasing sequence/timestamp series under the single SSRC
// the relay advertises to it. SwitchingContext tracks the delta introduced
// by each SSRC change and applies it to every subsequent packet until the
// next change.
type SwitchingContext struct {
	lastSSRC   uint32
	seenFirst  bool
	seqOffset  uint16
	tsOffset   uint32
	lastOutSeq uint16
	lastOutTS  uint32
}

// Rewrite adjusts pkt's SequenceNumber and Timestamp in place so that the
// series stays contiguous across an SSRC switch, then overwrites SSRC with
// outSSRC (the SSRC the relay presents to the host side on this medium).
func (c *SwitchingContext) Rewrite(pkt *rtp.Packet, outSSRC uint32) {
	if !c.seenFirst {
		c.seenFirst = true
		c.lastSSRC = pkt.SSRC
	} else if pkt.SSRC != c.lastSSRC {
		// SSRC changed: realign so the next packet continues where the last
		// emitted one left off.
		c.seqOffset = c.lastOutSeq + 1 - pkt.SequenceNumber
		c.tsOffset = c.lastOutTS + 960 - pkt.Timestamp // assume one frame gap
		c.lastSSRC = pkt.SSRC
	}

	pkt.SequenceNumber += c.seqOffset
	pkt.Timestamp += c.tsOffset
	pkt.SSRC = outSSRC

	c.lastOutSeq = pkt.SequenceNumber
	c.lastOutTS = pkt.Timestamp
}

// Reset clears learned state, e.g. when the medium is torn down and
// reallocated for a new remote endpoint.
func (c *SwitchingContext) Reset() {
	*c = SwitchingContext{}
}
