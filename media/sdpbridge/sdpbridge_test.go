// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sdpbridge

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/plainrtp/bridge/media"
	"github.com/plainrtp/bridge/media/srtpctx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func parseSDP(t *testing.T, raw string) *sdp.SessionDescription {
	t.Helper()
	desc := &sdp.SessionDescription{}
	require.NoError(t, desc.Unmarshal([]byte(raw)))
	return desc
}

const remoteAnswerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 198.51.100.9\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.9\r\n" +
	"t=0 0\r\n" +
	"m=audio 20000 RTP/SAVP 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:" +
	"WGh1eWZhbGtqZHNsa2ZqYWxza2Zqc2xramZhbHNramY=\r\n" +
	"a=sendrecv\r\n" +
	"m=video 30000 RTP/SAVP 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtcp-fb:96 nack pli\r\n" +
	"a=sendrecv\r\n"

func newSession() *media.MediaSession {
	return media.NewMediaSession(zerolog.Nop())
}

func TestProcessDerivesRemoteEndpointsAndSRTP(t *testing.T) {
	session := newSession()
	desc := parseSDP(t, remoteAnswerSDP)

	changed, err := Process(session, desc, true, false)
	require.NoError(t, err)
	require.True(t, changed)

	require.True(t, session.Audio.Has)
	require.Equal(t, 20000, session.Audio.RemoteRTPPort)
	require.Equal(t, 20001, session.Audio.RemoteRTCPPort)
	require.Equal(t, "198.51.100.9", session.RemoteAudioIP)
	require.True(t, session.HasSRTPRemote)
	require.NotNil(t, session.Audio.SRTPRemote)

	require.True(t, session.Video.Has)
	require.Equal(t, 30000, session.Video.RemoteRTPPort)
	require.True(t, session.VideoPLISupported)
}

func TestProcessNoChangeOnRepeat(t *testing.T) {
	session := newSession()
	desc := parseSDP(t, remoteAnswerSDP)

	_, err := Process(session, desc, true, false)
	require.NoError(t, err)

	desc2 := parseSDP(t, remoteAnswerSDP)
	changed, err := Process(session, desc2, true, true)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestProcessRemoteIPChangeWakesSession(t *testing.T) {
	session := newSession()
	_, err := Process(session, parseSDP(t, remoteAnswerSDP), true, false)
	require.NoError(t, err)
	<-session.WakeChannel() // consume the wake queued by the initial negotiation

	updated := parseSDP(t, remoteAnswerSDP)
	updated.ConnectionInformation.Address.Address = "203.0.113.9"
	for _, md := range updated.MediaDescriptions {
		md.ConnectionInformation = nil
	}

	changed, err := Process(session, updated, true, true)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "203.0.113.9", session.RemoteAudioIP)

	select {
	case <-session.WakeChannel():
	default:
		t.Fatal("expected wake signal after remote IP change")
	}
}

func TestProcessRedWrapsPrimaryPayloadType(t *testing.T) {
	session := newSession()
	raw := "v=0\r\no=- 1 1 IN IP4 198.51.100.9\r\ns=-\r\nc=IN IP4 198.51.100.9\r\nt=0 0\r\n" +
		"m=audio 20000 RTP/AVP 63 111\r\n" +
		"a=rtpmap:63 red/48000/2\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
	desc := parseSDP(t, raw)

	_, err := Process(session, desc, true, false)
	require.NoError(t, err)

	require.Equal(t, 63, session.OpusREDPayloadType)
	require.Equal(t, uint8(111), session.Audio.PT)
	require.Equal(t, "opus", session.Audio.PTName)
}

func TestManipulateRendersLocalPortsAndCrypto(t *testing.T) {
	session := newSession()
	session.Audio.Has = true
	session.Audio.LocalRTPPort = 20004
	session.Audio.LocalRTCPPort = 20005
	session.HasSRTPLocal = true
	session.SRTPProfile = srtpctx.ProfileAES128CmSha1_80

	desc := &sdp.SessionDescription{
		Origin:      sdp.Origin{Username: "-", SessionID: 1, SessionVersion: 1, NetworkType: "IN", AddressType: "IP4", UnicastAddress: "0.0.0.0"},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{MediaName: sdp.MediaName{Media: "audio", Protos: []string{"UDP", "TLS", "RTP", "SAVPF"}, Formats: []string{"111"}}},
		},
	}

	rendered, err := Manipulate(session, desc, false, "203.0.113.1")
	require.NoError(t, err)
	require.Contains(t, string(rendered), "m=audio 20004 RTP/SAVP 111")
	require.Contains(t, string(rendered), "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:")
	require.Contains(t, string(rendered), "c=IN IP4 203.0.113.1")
	require.NotNil(t, session.Audio.SRTPLocal)
}
