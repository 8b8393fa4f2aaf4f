// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"io"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestRTPUnmarshalPreservesExtensions(t *testing.T) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: 42,
			Timestamp:      960,
			SSRC:           0xdeadbeef,
			Extension:      true,
			ExtensionProfile: 0xBEDE,
		},
		Payload: []byte{1, 2, 3, 4},
	}
	require.NoError(t, pkt.SetExtension(1, []byte{0x2a}))

	buf, err := pkt.Marshal()
	require.NoError(t, err)

	var out rtp.Packet
	require.NoError(t, RTPUnmarshal(buf, &out))

	require.True(t, out.Header.Extension)
	ext := out.GetExtension(1)
	require.Equal(t, []byte{0x2a}, ext)
	require.Equal(t, []byte{1, 2, 3, 4}, out.Payload)
}

func BenchmarkRTCPUnmarshal(b *testing.B) {
	reader, writer := io.Pipe()
	go func() {
		for {
			sr := rtcp.SenderReport{}
			data, err := sr.Marshal()
			if err != nil {
				return
			}
			writer.Write(data)
		}
	}()

	b.Run("pionRTCP", func(b *testing.B) {
		buf := make([]byte, 1500)
		for i := 0; i < b.N; i++ {
			n, err := reader.Read(buf)
			if err != nil {
				b.Fatal(err)
			}
			pkts, err := rtcp.Unmarshal(buf[:n])
			if err != nil {
				b.Fatal(err)
			}
			if len(pkts) == 0 {
				b.Fatal("no packet read")
			}
		}
	})

	b.Run("RTCPImproved", func(b *testing.B) {
		buf := make([]byte, 1500)
		pkts := make([]rtcp.Packet, 5)
		for i := 0; i < b.N; i++ {
			n, err := reader.Read(buf)
			if err != nil {
				b.Fatal(err)
			}
			n, err = RTCPUnmarshal(buf[:n], pkts)
			if err != nil {
				b.Fatal(err)
			}
			if n == 0 {
				b.Fatal("no read RTCP")
			}
		}
	})
}
