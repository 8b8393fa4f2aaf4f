// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"time"
)

// Codec describes a negotiated payload type's timing, mirroring the
// teacher's Codec but keyed off whatever payload type SDPBridge resolved
// rather than a single fixed list.
type Codec struct {
	PayloadType uint8
	Name        string
	SampleRate  uint32
	SampleDur   time.Duration
}

func (c *Codec) SampleTimestamp() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}

// staticPayloadTypes is RFC 3551's static payload type assignment table.
// Dynamic payload types (96-127) are never in here; their names come only
// from an `a=rtpmap` line in the description being processed.
var staticPayloadTypes = map[uint8]string{
	0:  "PCMU",
	3:  "GSM",
	4:  "G723",
	5:  "DVI4",
	6:  "DVI4",
	7:  "LPC",
	8:  "PCMA",
	9:  "G722",
	10: "L16",
	11: "L16",
	12: "QCELP",
	13: "CN",
	14: "MPA",
	15: "G728",
	16: "DVI4",
	17: "DVI4",
	18: "G729",
	25: "CelB",
	26: "JPEG",
	28: "nv",
	31: "H261",
	32: "MPV",
	33: "MP2T",
	34: "H263",
}

// CodecName resolves pt's static RFC 3551 name. ok is false for dynamic
// payload types, which carry no fixed meaning without an rtpmap line; the
// caller (sdpbridge) resolves those from the description's rtpmap instead.
func CodecName(pt uint8) (name string, ok bool) {
	name, ok = staticPayloadTypes[pt]
	return name, ok
}
