// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFixRTCPSSRCsRewritesSenderAndReceiverReports(t *testing.T) {
	pkts := []rtcp.Packet{
		&rtcp.SenderReport{SSRC: 111},
		&rtcp.ReceiverReport{SSRC: 111, Reports: []rtcp.ReceptionReport{{SSRC: 222}, {SSRC: 222}}},
	}

	fixRTCPSSRCs(pkts, 0xaaaa, 0xbbbb)

	sr := pkts[0].(*rtcp.SenderReport)
	require.Equal(t, uint32(0xaaaa), sr.SSRC)

	rr := pkts[1].(*rtcp.ReceiverReport)
	require.Equal(t, uint32(0xaaaa), rr.SSRC)
	for _, report := range rr.Reports {
		require.Equal(t, uint32(0xbbbb), report.SSRC)
	}
}

func TestFixRTCPSSRCsLeavesZeroValuesUntouched(t *testing.T) {
	pkts := []rtcp.Packet{&rtcp.SenderReport{SSRC: 111}}
	fixRTCPSSRCs(pkts, 0, 0)
	require.Equal(t, uint32(111), pkts[0].(*rtcp.SenderReport).SSRC)
}

func TestExtractExtensionsAudioLevel(t *testing.T) {
	session := NewMediaSession(zerolog.Nop())
	session.AudioLevelExtensionID = 1

	pkt := rtp.Packet{Header: rtp.Header{Extension: true, ExtensionProfile: 0xBEDE}}
	// RFC 6464 one-byte payload: V bit (voice) | 7-bit level.
	require.NoError(t, pkt.SetExtension(1, []byte{0x80 | 42}))

	r := &Relay{Session: session}
	ext := r.extractExtensions(&pkt)
	require.True(t, ext.HasAudioLevel)
	require.True(t, ext.VAD)
	require.Equal(t, uint8(42), ext.Level)
}

func TestExtractExtensionsVideoOrientation(t *testing.T) {
	session := NewMediaSession(zerolog.Nop())
	session.VideoOrientationExtensionID = 2

	pkt := rtp.Packet{Header: rtp.Header{Extension: true, ExtensionProfile: 0xBEDE}}
	require.NoError(t, pkt.SetExtension(2, []byte{0x0d})) // C=1 F=1 rotation=90 (bits 01)

	r := &Relay{Session: session}
	ext := r.extractExtensions(&pkt)
	require.True(t, ext.HasVideoOrientation)
	require.True(t, ext.BackCamera)
	require.True(t, ext.Flipped)
	require.Equal(t, 90, ext.Rotation)
}

func TestSwitchingContextRewriteNormalizesAcrossSSRCChange(t *testing.T) {
	var c SwitchingContext

	p1 := &rtp.Packet{Header: rtp.Header{SSRC: 1, SequenceNumber: 100, Timestamp: 1000}}
	c.Rewrite(p1, 0xfeed)
	require.Equal(t, uint32(0xfeed), p1.SSRC)
	require.Equal(t, uint16(100), p1.SequenceNumber)

	// SSRC switch: peer restarted its own sequence/timestamp series.
	p2 := &rtp.Packet{Header: rtp.Header{SSRC: 2, SequenceNumber: 5, Timestamp: 500}}
	c.Rewrite(p2, 0xfeed)
	require.Equal(t, uint32(0xfeed), p2.SSRC)
	require.Equal(t, uint16(101), p2.SequenceNumber)
	require.Equal(t, uint32(1960), p2.Timestamp)

	// Next packet from the same (new) SSRC continues contiguously.
	p3 := &rtp.Packet{Header: rtp.Header{SSRC: 2, SequenceNumber: 6, Timestamp: 660}}
	c.Rewrite(p3, 0xfeed)
	require.Equal(t, uint16(102), p3.SequenceNumber)
	require.Equal(t, uint32(2120), p3.Timestamp)
}
