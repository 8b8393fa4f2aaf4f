// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"net"
	"time"

	"github.com/plainrtp/bridge/media/srtpctx"
	"github.com/rs/zerolog"
)

// MediumState is the per-medium (audio or video) half of a MediaSession.
type MediumState struct {
	Has bool

	LocalRTPPort, LocalRTCPPort   int
	RemoteRTPPort, RemoteRTCPPort int

	RTPConn, RTCPConn *net.UDPConn

	SSRC     uint32 // learned from our first outbound frame on this medium
	SSRCPeer uint32 // learned from the peer's first inbound frame

	PT     uint8
	PTName string
	Send   bool // outbound permitted, mirrors direction attr in the description

	LocalTag        int
	LocalProfile    srtpctx.Profile
	LocalCryptoLine string // rendered `a=crypto` value, cached from first install

	SRTPLocal  *srtpctx.Context // encrypts what we send to the peer
	SRTPRemote *srtpctx.Context // decrypts what the peer sends us

	Switching SwitchingContext
}

func (m *MediumState) closeSockets() {
	if m.RTPConn != nil {
		m.RTPConn.Close()
		m.RTPConn = nil
	}
	if m.RTCPConn != nil {
		m.RTCPConn.Close()
		m.RTCPConn = nil
	}
}

func (m *MediumState) closeSRTP() {
	if m.SRTPLocal != nil {
		m.SRTPLocal.Cleanup()
		m.SRTPLocal = nil
	}
	if m.SRTPRemote != nil {
		m.SRTPRemote.Cleanup()
		m.SRTPRemote = nil
	}
}

// MediaSession is the per-session media aggregate: codec selections,
// local/remote endpoints per medium, SSRCs, SRTP state, and the flags the
// request state machine and the Relay coordinate through.
//
// Not safe for concurrent use on its own; callers serialize access via the
// owning Session's mutex (RequestHandler worker) or accept the narrower
// guarantee documented on the fields the Relay touches directly (SSRC
// learning, Updated).
type MediaSession struct {
	RemoteAudioIP string
	RemoteVideoIP string

	Audio MediumState
	Video MediumState

	// OpusREDPayloadType is the RED payload type when the negotiated audio
	// PT turned out to be RED-wrapped opus, -1 otherwise.
	OpusREDPayloadType int

	// SimulcastSSRC is the base layer SSRC to keep; 0 means not simulcasting.
	SimulcastSSRC uint32

	SRTPProfile   srtpctx.Profile
	RequireSRTP   bool
	HasSRTPLocal  bool
	HasSRTPRemote bool

	VideoPLISupported bool

	VideoOrientationExtensionID int // -1 when absent
	AudioLevelExtensionID       int // -1 when absent

	Ready     bool
	Updated   bool
	Destroyed bool
	HangingUp bool

	// wake is the Go equivalent of spec's wake pipe: a buffered, non-blocking
	// signal channel the Relay select-loops on alongside its datagram
	// channel and ctx.Done(). SDPBridge.Process writes to it (via WakeUpdated)
	// exactly where the wake pipe would get its byte.
	wake chan struct{}

	CreatedAt time.Time
	Version   uint64

	Log zerolog.Logger
}

// NewMediaSession builds an empty aggregate with no media allocated yet.
func NewMediaSession(log zerolog.Logger) *MediaSession {
	return &MediaSession{
		OpusREDPayloadType:          -1,
		VideoOrientationExtensionID: -1,
		AudioLevelExtensionID:       -1,
		wake:                        make(chan struct{}, 1),
		CreatedAt:                   time.Now(),
		Log:                         log,
	}
}

// Medium returns the audio or video half depending on isVideo.
func (m *MediaSession) Medium(isVideo bool) *MediumState {
	if isVideo {
		return &m.Video
	}
	return &m.Audio
}

// WakeUpdated signals the Relay without blocking: a pending signal is
// coalesced, matching a wake pipe already holding an unread byte.
func (m *MediaSession) WakeUpdated() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WakeChannel exposes the wake signal for the Relay's select loop.
func (m *MediaSession) WakeChannel() <-chan struct{} {
	return m.wake
}

// Close tears down sockets and SRTP contexts for both media. Idempotent.
func (m *MediaSession) Close() {
	m.Audio.closeSockets()
	m.Video.closeSockets()
	m.Audio.closeSRTP()
	m.Video.closeSRTP()
}

// ResetSRTP clears negotiated SRTP state for both media, used when a fresh
// offer supersedes whatever was installed on a prior negotiation round.
func (m *MediaSession) ResetSRTP() {
	m.Audio.closeSRTP()
	m.Video.closeSRTP()
	m.Audio.LocalTag, m.Video.LocalTag = 0, 0
	m.Audio.LocalProfile, m.Video.LocalProfile = srtpctx.ProfileNone, srtpctx.ProfileNone
	m.Audio.LocalCryptoLine, m.Video.LocalCryptoLine = "", ""
	m.HasSRTPLocal = false
	m.HasSRTPRemote = false
}
