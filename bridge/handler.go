// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bridge

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/plainrtp/bridge/media/sdpbridge"
	"github.com/plainrtp/bridge/media/srtpctx"
	"github.com/plainrtp/bridge/recorder"
)

var validSRTPPolicies = map[string]bool{
	"sdes_optional":  true,
	"sdes_mandatory": true,
}

var validSRTPProfiles = map[string]bool{
	"AES_CM_128_HMAC_SHA1_32": true,
	"AES_CM_128_HMAC_SHA1_80": true,
	"AEAD_AES_128_GCM":        true,
	"AEAD_AES_256_GCM":        true,
}

// RequestHandler is the request state machine: it dispatches a decoded
// pendingRequest to the "generate"/"process"/"hangup"/"recording"/"keyframe"
// contracts, driving SDPBridge, the port allocator, Relay lifecycle, and
// recorder taps. One instance per SessionManager, run only from its worker
// goroutine, so no method here needs its own locking beyond each session's.
type RequestHandler struct {
	manager *SessionManager
}

func (h *RequestHandler) dispatch(req *pendingRequest) {
	session := h.manager.lookup(req.handle)
	if session == nil {
		h.manager.pushError(req.handle, req.envelope.Transaction, newAPIError(ErrWrongState, "unknown session"))
		return
	}
	defer h.manager.release(req.handle)

	session.Lock()
	defer session.Unlock()

	var err error
	switch req.envelope.Request {
	case "generate":
		err = h.handleGenerate(session, req)
	case "process":
		err = h.handleProcess(session, req)
	case "hangup":
		err = h.handleHangup(session, req)
	case "recording":
		err = h.handleRecording(session, req)
	case "keyframe":
		err = h.handleKeyframe(session, req)
	default:
		err = newAPIError(ErrInvalidRequest, "unrecognized request %q", req.envelope.Request)
	}

	if err != nil {
		h.manager.pushError(req.handle, req.envelope.Transaction, err)
	}
}

func parseSDP(raw string) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, wrapAPIError(ErrInvalidSDP, err, "parsing session description")
	}
	return desc, nil
}

// hasApplicationMedia reports an `m=application` section, rejected per
// spec: a data channel is out of scope for this bridge.
func hasApplicationMedia(desc *sdp.SessionDescription) bool {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "application" {
			return true
		}
	}
	return false
}

// hasE2EE reports a session- or media-level `e2ee` attribute set to
// "true"; end-to-end-encrypted media is out of scope.
func hasE2EE(desc *sdp.SessionDescription) bool {
	check := func(attrs []sdp.Attribute) bool {
		for _, a := range attrs {
			if a.Key == "e2ee" && strings.EqualFold(a.Value, "true") {
				return true
			}
		}
		return false
	}
	if check(desc.Attributes) {
		return true
	}
	for _, md := range desc.MediaDescriptions {
		if check(md.Attributes) {
			return true
		}
	}
	return false
}

func validateDescriptionType(t string) error {
	if t != "offer" && t != "answer" {
		return newAPIError(ErrInvalidElement, "description type must be \"offer\" or \"answer\", got %q", t)
	}
	return nil
}

// toWebRTCDescription converts generate's attached wire Description — always
// the WebRTC side of the bridge — into pion/webrtc's own session-description
// value type, so the rest of handleGenerate carries a typed SDPType instead
// of comparing bare strings.
func toWebRTCDescription(d *Description) (webrtc.SessionDescription, error) {
	switch d.Type {
	case webrtc.SDPTypeOffer.String():
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}, nil
	case webrtc.SDPTypeAnswer.String():
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}, nil
	default:
		return webrtc.SessionDescription{}, newAPIError(ErrInvalidElement,
			"description type must be %q or %q, got %q", webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, d.Type)
	}
}

func validateSRTPParams(policy, profile string) error {
	if policy != "" && !validSRTPPolicies[policy] {
		return newAPIError(ErrInvalidElement, "unsupported srtp policy %q", policy)
	}
	if profile != "" && !validSRTPProfiles[profile] {
		return newAPIError(ErrInvalidElement, "unsupported srtp_profile %q", profile)
	}
	return nil
}

// handleGenerate implements spec's generate contract: ingest the attached
// WebRTC-side description, derive media state, allocate ports, and render
// the plain-RTP description we advertise to the legacy peer.
func (h *RequestHandler) handleGenerate(session *Session, req *pendingRequest) error {
	var params GenerateParams
	if err := decodeParams(req.envelope.Fields, &params); err != nil {
		return wrapAPIError(ErrInvalidRequest, err, "decoding generate params")
	}
	if err := validateSRTPParams(params.SRTP, params.SRTPProfile); err != nil {
		return err
	}

	if req.description == nil || req.description.SDP == "" {
		return newAPIError(ErrMissingSDP, "generate requires an attached description")
	}
	webrtcDesc, err := toWebRTCDescription(req.description)
	if err != nil {
		return err
	}

	desc, err := parseSDP(webrtcDesc.SDP)
	if err != nil {
		return err
	}
	if hasApplicationMedia(desc) {
		return newAPIError(ErrMissingSDP, "m=application is not supported")
	}
	if hasE2EE(desc) {
		return newAPIError(ErrInvalidElement, "end-to-end-encrypted media is not supported")
	}

	isAnswer := webrtcDesc.Type == webrtc.SDPTypeAnswer

	if webrtcDesc.Type == webrtc.SDPTypeOffer && !params.Update {
		session.Media.ResetSRTP()
	}

	requireSRTP := params.SRTP == "sdes_mandatory"
	doSRTP := params.SRTP != ""

	if _, err := sdpbridge.DeriveLocal(session.Media, desc, isAnswer, params.Update); err != nil {
		return wrapAPIError(ErrInvalidSDP, err, "deriving local media state")
	}

	if isAnswer {
		doSRTP = doSRTP || session.Media.HasSRTPRemote
		if requireSRTP && !session.Media.HasSRTPRemote {
			return newAPIError(ErrTooStrict, "srtp required but remote offered none")
		}
	}
	session.Media.RequireSRTP = requireSRTP || session.Media.RequireSRTP
	session.Media.HasSRTPLocal = doSRTP

	if doSRTP {
		profile := srtpctx.ProfileAES128CmSha1_80
		if params.SRTPProfile != "" {
			parsed, ok := srtpctx.ParseProfileName(params.SRTPProfile)
			if !ok {
				return newAPIError(ErrInvalidElement, "unrecognized srtp_profile %q", params.SRTPProfile)
			}
			profile = parsed
		}
		session.Media.SRTPProfile = profile
	}

	session.Media.SimulcastSSRC = simulcastSSRC(params.Info)

	if err := h.allocatePorts(session, params.Update); err != nil {
		return err
	}

	desc.Origin.SessionVersion = session.nextVersion()

	rendered, err := sdpbridge.Manipulate(session.Media, desc, isAnswer, h.manager.sdpIP)
	if err != nil {
		return wrapAPIError(ErrInvalidSDP, err, "rendering local description")
	}

	local := &Description{Type: webrtcDesc.Type.String(), SDP: string(rendered)}
	session.LocalDescription = local

	fields := map[string]any{"type": local.Type, "sdp": local.SDP}
	if params.Update {
		fields["update"] = true
	}
	h.manager.host.PushEvent(req.handle, req.envelope.Transaction, "generated", fields, nil)
	return nil
}

func (h *RequestHandler) allocatePorts(session *Session, update bool) error {
	for _, isVideo := range []bool{false, true} {
		medium := session.Media.Medium(isVideo)
		if !medium.Has {
			continue
		}
		if medium.RTPConn != nil && !update {
			continue
		}
		if medium.RTPConn != nil {
			medium.RTPConn.Close()
			medium.RTCPConn.Close()
		}
		rtpConn, rtcpConn, rtpPort, rtcpPort, err := h.manager.ports.AllocatePair(isVideo)
		if err != nil {
			return wrapAPIError(ErrIOError, err, "allocating media ports")
		}
		medium.RTPConn, medium.RTCPConn = rtpConn, rtcpConn
		medium.LocalRTPPort, medium.LocalRTCPPort = rtpPort, rtcpPort
	}
	return nil
}

// handleProcess implements spec's process contract: ingest the peer's
// plain-RTP description, validate, and — on a non-update answer — flip the
// session to ready and start the Relay.
func (h *RequestHandler) handleProcess(session *Session, req *pendingRequest) error {
	var params ProcessParams
	if err := decodeParams(req.envelope.Fields, &params); err != nil {
		return wrapAPIError(ErrInvalidRequest, err, "decoding process params")
	}
	if err := validateSRTPParams(params.SRTP, params.SRTPProfile); err != nil {
		return err
	}
	if params.SDP == "" {
		return newAPIError(ErrMissingSDP, "process requires sdp")
	}
	if err := validateDescriptionType(params.Type); err != nil {
		return err
	}

	desc, err := parseSDP(params.SDP)
	if err != nil {
		return err
	}
	if hasApplicationMedia(desc) {
		return newAPIError(ErrMissingSDP, "m=application is not supported")
	}
	if hasE2EE(desc) {
		return newAPIError(ErrInvalidElement, "end-to-end-encrypted media is not supported")
	}

	isUpdate := session.Media.Ready || params.Update
	isAnswer := params.Type == "answer"

	changed, err := sdpbridge.Process(session.Media, desc, isAnswer, isUpdate)
	if err != nil {
		return wrapAPIError(ErrInvalidSDP, err, "processing remote description")
	}
	_ = changed

	if !session.Media.Audio.Has && !session.Media.Video.Has {
		return newAPIError(ErrInvalidSDP, "no media present in description")
	}
	if session.Media.RemoteAudioIP == "" && session.Media.RemoteVideoIP == "" {
		return newAPIError(ErrInvalidSDP, "no remote address present in description")
	}
	if session.Media.RequireSRTP && !session.Media.HasSRTPRemote {
		return newAPIError(ErrTooStrict, "srtp required but remote offered none")
	}

	session.RemoteDescription = &Description{Type: params.Type, SDP: params.SDP}

	fields := map[string]any{}
	if session.Media.HasSRTPRemote {
		fields["srtp"] = session.Media.SRTPProfile.String()
	}
	if params.Update {
		fields["update"] = true
	}
	h.manager.host.PushEvent(req.handle, req.envelope.Transaction, "processed", fields,
		&Description{Type: params.Type, SDP: params.SDP})

	if isAnswer && !isUpdate {
		session.Media.Ready = true
		session.startRelay(h.manager.host)
	}
	return nil
}

func (h *RequestHandler) handleHangup(session *Session, req *pendingRequest) error {
	session.Media.HangingUp = true
	h.manager.host.ClosePeerConnection(uint64(req.handle))
	session.stopRelay()
	h.manager.host.PushEvent(req.handle, req.envelope.Transaction, "hangingup", nil, nil)
	return nil
}

// handleRecording implements spec's recording contract: open or close raw
// RTP recorders per stream, named for the codec negotiated at setup time.
func (h *RequestHandler) handleRecording(session *Session, req *pendingRequest) error {
	var params RecordingParams
	if err := decodeParams(req.envelope.Fields, &params); err != nil {
		return wrapAPIError(ErrInvalidRequest, err, "decoding recording params")
	}
	if params.Action != "start" && params.Action != "stop" {
		return newAPIError(ErrInvalidElement, "recording action must be \"start\" or \"stop\", got %q", params.Action)
	}
	if !params.Audio && !params.Video && !params.PeerAudio && !params.PeerVideo {
		return newAPIError(ErrMissingElement, "recording requires at least one stream selected")
	}

	base := params.Filename
	if base == "" {
		base = uuid.NewString()
	}

	session.recMu.Lock()
	defer session.recMu.Unlock()

	if params.Action == "stop" {
		if params.Audio {
			closeRecorder(&session.recorders.userAudio)
		}
		if params.Video {
			closeRecorder(&session.recorders.userVideo)
		}
		if params.PeerAudio {
			closeRecorder(&session.recorders.peerAudio)
		}
		if params.PeerVideo {
			closeRecorder(&session.recorders.peerVideo)
		}
		session.applyRecorders()
		h.manager.host.PushEvent(req.handle, req.envelope.Transaction, "recordingupdated", nil, nil)
		return nil
	}

	if params.Audio {
		rec, err := newRecorderFor(base, "-user-audio", session.Media.Audio.PTName, session.Media.OpusREDPayloadType)
		if err != nil {
			return wrapAPIError(ErrRecordingError, err, "opening user audio recorder")
		}
		closeRecorder(&session.recorders.userAudio)
		session.recorders.userAudio = rec
	}
	if params.Video {
		rec, err := newRecorderFor(base, "-user-video", session.Media.Video.PTName, -1)
		if err != nil {
			return wrapAPIError(ErrRecordingError, err, "opening user video recorder")
		}
		closeRecorder(&session.recorders.userVideo)
		session.recorders.userVideo = rec
		h.manager.host.SendPLIToUser(req.handle)
	}
	if params.PeerAudio {
		rec, err := newRecorderFor(base, "-peer-audio", session.Media.Audio.PTName, session.Media.OpusREDPayloadType)
		if err != nil {
			return wrapAPIError(ErrRecordingError, err, "opening peer audio recorder")
		}
		closeRecorder(&session.recorders.peerAudio)
		session.recorders.peerAudio = rec
	}
	if params.PeerVideo {
		rec, err := newRecorderFor(base, "-peer-video", session.Media.Video.PTName, -1)
		if err != nil {
			return wrapAPIError(ErrRecordingError, err, "opening peer video recorder")
		}
		closeRecorder(&session.recorders.peerVideo)
		session.recorders.peerVideo = rec
	}

	session.applyRecorders()
	h.manager.host.PushEvent(req.handle, req.envelope.Transaction, "recordingupdated", nil, nil)
	return nil
}

func newRecorderFor(base, suffix, codecName string, redPT int) (*recorder.RawRTPRecorder, error) {
	if codecName == "" {
		codecName = "unknown"
	}
	return recorder.NewRawRTPRecorder(base+suffix+".rrtp", codecName, redPT)
}

func closeRecorder(slot **recorder.RawRTPRecorder) {
	if *slot == nil {
		return
	}
	(*slot).Close()
	*slot = nil
}

// handleKeyframe implements spec's keyframe contract: request a PLI toward
// the WebRTC side, the peer, or both.
func (h *RequestHandler) handleKeyframe(session *Session, req *pendingRequest) error {
	var params KeyframeParams
	if err := decodeParams(req.envelope.Fields, &params); err != nil {
		return wrapAPIError(ErrInvalidRequest, err, "decoding keyframe params")
	}

	if params.User {
		h.manager.host.SendPLIToUser(req.handle)
	}
	if params.Peer && session.Media.VideoPLISupported && session.relay != nil {
		session.relay.SendPLI()
	}

	h.manager.host.PushEvent(req.handle, req.envelope.Transaction, "keyframesent", nil, nil)
	return nil
}
