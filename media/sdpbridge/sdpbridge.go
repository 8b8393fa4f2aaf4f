// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package sdpbridge ties a MediaSession's negotiated state to a concrete
// session description, in either direction: Process ingests a remote
// description and derives media state; Manipulate rewrites a description to
// advertise the session's own ports, address, and SRTP crypto line.
//
// Both functions are pure with respect to the description: they only read
// and write the *sdp.SessionDescription passed in and the *media.MediaSession
// passed in, never touching sockets or the wire.
package sdpbridge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/plainrtp/bridge/media"
	"github.com/plainrtp/bridge/media/srtpctx"
)

const defaultCryptoTag = 1

// Process ingests description into session, deriving per-medium ports,
// SRTP remote state, codec selection, and header-extension ids. changed
// reports whether a remote address, a remote port, or the presence of a
// medium differs from the session's prior state; when it does, Process sets
// session.Updated and wakes the Relay so it reconnects its sockets.
func Process(session *media.MediaSession, description *sdp.SessionDescription, isAnswer, isUpdate bool) (changed bool, err error) {
	sessionAddr := connectionAddress(description.ConnectionInformation)

	for _, isVideo := range []bool{false, true} {
		md := findMedia(description, mediaKind(isVideo))
		if md == nil {
			continue
		}

		medium := session.Medium(isVideo)
		addr := sessionAddr
		if a := connectionAddress(md.ConnectionInformation); a != "" {
			addr = a
		}

		if isVideo {
			if addr != session.RemoteVideoIP {
				changed = true
			}
			session.RemoteVideoIP = addr
		} else {
			if addr != session.RemoteAudioIP {
				changed = true
			}
			session.RemoteAudioIP = addr
		}

		for _, proto := range md.MediaName.Protos {
			if strings.Contains(proto, "SAVP") {
				session.RequireSRTP = true
				break
			}
		}

		port := md.MediaName.Port.Value
		hasMedium := port != 0
		if hasMedium != medium.Has {
			changed = true
		}
		medium.Has = hasMedium
		if !hasMedium {
			continue
		}

		rtcpPort := port + 1
		if medium.RemoteRTPPort != port || medium.RemoteRTCPPort != rtcpPort {
			changed = true
		}
		medium.RemoteRTPPort = port
		medium.RemoteRTCPPort = rtcpPort

		medium.Send = mediaDirection(md) != "recvonly" && mediaDirection(md) != "inactive"

		if err := processCrypto(session, medium, md, isAnswer); err != nil {
			return false, err
		}

		if isVideo && hasPLI(md) {
			session.VideoPLISupported = true
		}

		if isAnswer {
			resolvePrimaryPT(session, medium, md)
		}

		if id := findExtmapID(description, md, videoOrientationURI); id >= 0 {
			session.VideoOrientationExtensionID = id
		}
		if id := findExtmapID(description, md, audioLevelURI); id >= 0 {
			session.AudioLevelExtensionID = id
		}
	}

	if changed {
		session.Updated = true
		session.WakeUpdated()
	}
	return changed, nil
}

// DeriveLocal ingests a WebRTC-side description to derive the session's own
// outbound media parameters ahead of Manipulate: which media are present,
// their direction, PLI support, header-extension ids, SRTP remote state (a
// WebRTC offer carries no a=crypto in the DTLS-SRTP case, so this is
// ordinarily a no-op there), and — on an answer — the negotiated codec.
// Unlike Process, it never touches RemoteAudioIP/RemoteVideoIP: the
// WebRTC-side description's c= line carries no meaningful peer address
// (that arrives only from the plain-RTP side via Process), so leaving it
// alone avoids clobbering an address a prior Process call already learned.
func DeriveLocal(session *media.MediaSession, description *sdp.SessionDescription, isAnswer, isUpdate bool) (changed bool, err error) {
	for _, isVideo := range []bool{false, true} {
		md := findMedia(description, mediaKind(isVideo))
		if md == nil {
			continue
		}

		medium := session.Medium(isVideo)

		port := md.MediaName.Port.Value
		hasMedium := port != 0
		if hasMedium != medium.Has {
			changed = true
		}
		medium.Has = hasMedium
		if !hasMedium {
			continue
		}

		medium.Send = mediaDirection(md) != "recvonly" && mediaDirection(md) != "inactive"

		if err := processCrypto(session, medium, md, isAnswer); err != nil {
			return false, err
		}

		if isVideo && hasPLI(md) {
			session.VideoPLISupported = true
		}

		if isAnswer {
			resolvePrimaryPT(session, medium, md)
		}

		if id := findExtmapID(description, md, videoOrientationURI); id >= 0 {
			session.VideoOrientationExtensionID = id
		}
		if id := findExtmapID(description, md, audioLevelURI); id >= 0 {
			session.AudioLevelExtensionID = id
		}
	}

	if changed {
		session.WakeUpdated()
	}
	return changed, nil
}

// Manipulate rewrites description to advertise the session's local ports,
// connection address, and SRTP crypto line for every medium marked Has in
// session, lazily installing a local SRTP context if HasSRTPLocal is set
// and none exists yet for that medium. localAddr becomes the session-level
// c= and each rendered medium's c= address; the o= line is left as given.
func Manipulate(session *media.MediaSession, description *sdp.SessionDescription, isAnswer bool, localAddr string) ([]byte, error) {
	description.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(localAddr),
		Address:     &sdp.Address{Address: localAddr},
	}

	for _, isVideo := range []bool{false, true} {
		medium := session.Medium(isVideo)
		if !medium.Has {
			continue
		}

		md := findMedia(description, mediaKind(isVideo))
		if md == nil {
			continue
		}

		md.MediaName.Port = sdp.RangedPort{Value: medium.LocalRTPPort}
		md.ConnectionInformation = &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(localAddr),
			Address:     &sdp.Address{Address: localAddr},
		}

		proto := "RTP/AVP"
		if session.HasSRTPLocal {
			proto = "RTP/SAVP"
		}
		md.MediaName.Protos = strings.Split(proto, "/")

		if session.HasSRTPLocal {
			if medium.SRTPLocal == nil {
				tag := medium.LocalTag
				if tag < 1 {
					tag = defaultCryptoTag
				}
				ctx, algName, b64, err := srtpctx.InstallLocal(session.SRTPProfile, tag)
				if err != nil {
					return nil, fmt.Errorf("sdpbridge: install local srtp: %w", err)
				}
				medium.SRTPLocal = ctx
				medium.LocalTag = tag
				medium.LocalProfile = session.SRTPProfile
				medium.LocalCryptoLine = fmt.Sprintf("%d %s inline:%s", tag, algName, b64)
			}
			md.Attributes = append(md.Attributes, sdp.Attribute{
				Key:   "crypto",
				Value: medium.LocalCryptoLine,
			})
		}

		if isAnswer {
			resolvePrimaryPT(session, medium, md)
		}
	}

	rendered, err := description.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sdpbridge: marshal: %w", err)
	}
	return rendered, nil
}

func mediaKind(isVideo bool) string {
	if isVideo {
		return "video"
	}
	return "audio"
}

func findMedia(description *sdp.SessionDescription, kind string) *sdp.MediaDescription {
	for _, md := range description.MediaDescriptions {
		if md.MediaName.Media == kind {
			return md
		}
	}
	return nil
}

func connectionAddress(ci *sdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

func addressType(addr string) string {
	if strings.Contains(addr, ":") {
		return "IP6"
	}
	return "IP4"
}

func mediaDirection(md *sdp.MediaDescription) string {
	for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(dir); ok {
			return dir
		}
	}
	return "sendrecv"
}

func hasPLI(md *sdp.MediaDescription) bool {
	for _, a := range md.Attributes {
		if a.Key != "rtcp-fb" {
			continue
		}
		fields := strings.Fields(a.Value)
		for _, f := range fields {
			if f == "pli" {
				return true
			}
		}
	}
	return false
}

// processCrypto parses a=crypto attributes per spec: malformed lines (not
// exactly 3 fields) are skipped; on an answer only the tag matching what we
// offered installs; the first successful install wins, later lines on the
// same medium are ignored.
func processCrypto(session *media.MediaSession, medium *media.MediumState, md *sdp.MediaDescription, isAnswer bool) error {
	if medium.SRTPRemote != nil {
		return nil
	}

	for _, a := range md.Attributes {
		if a.Key != "crypto" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) != 3 {
			continue
		}
		tag, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		algName := fields[1]
		inline := strings.TrimPrefix(fields[2], "inline:")

		if isAnswer && medium.LocalTag != 0 && tag != medium.LocalTag {
			continue
		}

		ctx, err := srtpctx.InstallRemote(algName, inline, tag)
		if err != nil {
			continue
		}
		medium.SRTPRemote = ctx
		session.HasSRTPRemote = true
		return nil
	}
	return nil
}

// resolvePrimaryPT picks the negotiated payload type per spec: the first PT
// in the m= line's format list, unless it is the RED payload type (found by
// scanning for an `a=rtpmap ... red/` line), in which case the second entry
// — the primary payload RED wraps — is the negotiated one and OpusREDPayloadType
// records the RED PT itself.
func resolvePrimaryPT(session *media.MediaSession, medium *media.MediumState, md *sdp.MediaDescription) {
	if len(md.MediaName.Formats) == 0 {
		return
	}

	redPT := findREDPayloadType(md)
	firstPT, _ := strconv.Atoi(md.MediaName.Formats[0])

	chosen := firstPT
	if md.MediaName.Media == "audio" && redPT >= 0 && firstPT == redPT && len(md.MediaName.Formats) > 1 {
		session.OpusREDPayloadType = redPT
		chosen, _ = strconv.Atoi(md.MediaName.Formats[1])
	}

	medium.PT = uint8(chosen)
	medium.PTName = rtpmapName(md, uint8(chosen))
}

func findREDPayloadType(md *sdp.MediaDescription) int {
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(fields[1]), "red/") {
			pt, err := strconv.Atoi(fields[0])
			if err == nil {
				return pt
			}
		}
	}
	return -1
}

func rtpmapName(md *sdp.MediaDescription, pt uint8) string {
	ptStr := strconv.Itoa(int(pt))
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 || fields[0] != ptStr {
			continue
		}
		name := fields[1]
		if slash := strings.IndexByte(name, '/'); slash >= 0 {
			name = name[:slash]
		}
		return name
	}
	if name, ok := media.CodecName(pt); ok {
		return name
	}
	return ""
}

const (
	videoOrientationURI = "urn:3gpp:video-orientation"
	audioLevelURI       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
)

// findExtmapID looks for `a=extmap:<id> <uri>` on md, falling back to the
// session level (description.Attributes) since extmap ids are commonly
// negotiated once for the whole offer. Returns -1 when absent.
func findExtmapID(description *sdp.SessionDescription, md *sdp.MediaDescription, uri string) int {
	if id := scanExtmap(md.Attributes, uri); id >= 0 {
		return id
	}
	return scanExtmap(description.Attributes, uri)
}

func scanExtmap(attrs []sdp.Attribute, uri string) int {
	for _, a := range attrs {
		if a.Key != "extmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) < 2 || fields[1] != uri {
			continue
		}
		idStr := fields[0]
		if slash := strings.IndexByte(idStr, '/'); slash >= 0 {
			idStr = idStr[:slash]
		}
		id, err := strconv.Atoi(idStr)
		if err == nil {
			return id
		}
	}
	return -1
}
