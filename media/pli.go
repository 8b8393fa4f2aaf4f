// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import "github.com/pion/rtcp"

// SendPLI builds a Picture Loss Indication and sends it on the session's
// video RTCP socket, SRTCP-protecting it when local SRTP is enabled. A
// no-op when there is no video medium or its RTCP socket is absent.
func (r *Relay) SendPLI() error {
	medium := &r.Session.Video
	if !medium.Has || medium.RTCPConn == nil {
		return nil
	}

	pli := &rtcp.PictureLossIndication{
		MediaSSRC:  medium.SSRCPeer,
		SenderSSRC: medium.SSRC,
	}

	return r.SendRTCP(true, []rtcp.Packet{pli})
}
