// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"context"
	"net"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// RTPBufSize is the read buffer size for every relay socket; 1500 covers
// the Ethernet MTU with headroom for SRTP authentication tags.
var RTPBufSize = 1500

// RTPDebug and RTCPDebug gate per-packet trace logging in the Relay, same
// package-level toggles diago's media package exposes.
var (
	RTPDebug  = false
	RTCPDebug = false
)

// RelayHost is the set of upcalls the Relay makes into the embedding host
// as it classifies and decrypts inbound datagrams.
type RelayHost interface {
	RelayRTP(handle uint64, isVideo bool, payload []byte, ext HeaderExtensions)
	RelayRTCP(handle uint64, isVideo bool, payload []byte)
	ClosePeerConnection(handle uint64)
}

// HeaderExtensions carries the header extensions the relay decodes off an
// inbound RTP packet before handing it to the host.
type HeaderExtensions struct {
	HasAudioLevel bool
	VAD           bool
	Level         uint8

	HasVideoOrientation bool
	Rotation            int // 0, 90, 180, 270
	BackCamera          bool
	Flipped             bool
}

// PacketRecorder is the narrow sink the Relay taps RTP packets into on
// both directions. recorder.Recorder satisfies this.
type PacketRecorder interface {
	WriteRTP(pkt *rtp.Packet) error
}

type recorderTaps struct {
	UserAudio, UserVideo, PeerAudio, PeerVideo PacketRecorder
}

// Relay runs the bidirectional RTP/RTCP loop for one session's
// MediaSession. One Relay runs per session, in its own goroutine, for the
// session's lifetime once negotiation completes.
type Relay struct {
	Handle  uint64
	Session *MediaSession
	Host    RelayHost
	Log     zerolog.Logger

	taps     recorderTaps
	errCount int
}

func NewRelay(handle uint64, session *MediaSession, host RelayHost, log zerolog.Logger) *Relay {
	return &Relay{Handle: handle, Session: session, Host: host, Log: log}
}

// SetRecorders installs (or clears, with nil) the recorder taps for the
// four possible streams. Safe to call between requests; RequestHandler
// serializes these against Run's reads via the session mutex.
func (r *Relay) SetRecorders(userAudio, userVideo, peerAudio, peerVideo PacketRecorder) {
	r.taps = recorderTaps{userAudio, userVideo, peerAudio, peerVideo}
}

func (r *Relay) peerTap(isVideo bool) PacketRecorder {
	if isVideo {
		return r.taps.PeerVideo
	}
	return r.taps.PeerAudio
}

func (r *Relay) userTap(isVideo bool) PacketRecorder {
	if isVideo {
		return r.taps.UserVideo
	}
	return r.taps.UserAudio
}

type inboundDatagram struct {
	isVideo bool
	isRTCP  bool
	data    []byte
	err     error
}

// Run drives the relay loop until ctx is cancelled or the session is
// marked Destroyed/HangingUp. This is the idiomatic Go replacement for the
// self-pipe+poll(2) design: each open socket is read by its own goroutine
// that pushes datagrams onto a shared channel; this loop selects over that
// channel, the session's wake channel (the "write one byte to the wake
// pipe" equivalent, driven by sdpbridge.Process on every observed change),
// and ctx.Done(). No mutex is held across any of the three select arms.
func (r *Relay) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	datagrams := make(chan inboundDatagram, 64)

	startReader := func(conn *net.UDPConn, isVideo, isRTCP bool) {
		if conn == nil {
			return
		}
		go r.readLoop(ctx, conn, isVideo, isRTCP, datagrams)
	}

	r.resolveEndpoints()

	startReader(r.Session.Audio.RTPConn, false, false)
	startReader(r.Session.Audio.RTCPConn, false, true)
	startReader(r.Session.Video.RTPConn, true, false)
	startReader(r.Session.Video.RTCPConn, true, true)

	for {
		select {
		case <-ctx.Done():
			r.cleanup()
			return

		case <-r.Session.WakeChannel():
			if r.Session.Destroyed || r.Session.HangingUp {
				r.cleanup()
				return
			}
			if r.Session.Updated {
				r.Session.Updated = false
				r.resolveEndpoints()
			}

		case dg := <-datagrams:
			if dg.err != nil {
				if r.Session.Updated {
					// A reconnect is already pending; this socket error is
					// almost certainly stale, matching the "ignore if
					// updated is pending" rule for a POLLERR/POLLHUP burst.
					continue
				}
				r.errCount++
				r.Log.Debug().Err(dg.err).Bool("video", dg.isVideo).Bool("rtcp", dg.isRTCP).
					Int("errCount", r.errCount).Msg("relay: socket error")
				if r.errCount >= 100 {
					r.Host.ClosePeerConnection(r.Handle)
					r.cleanup()
					return
				}
				continue
			}
			r.handleInbound(dg)
		}
	}
}

func (r *Relay) readLoop(ctx context.Context, conn *net.UDPConn, isVideo, isRTCP bool, out chan<- inboundDatagram) {
	buf := make([]byte, RTPBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case out <- inboundDatagram{isVideo: isVideo, isRTCP: isRTCP, err: err}:
			default:
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- inboundDatagram{isVideo: isVideo, isRTCP: isRTCP, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// resolveEndpoints implements the "if updated, resolve remote IPs
// (skipping 0.0.0.0) and connect(2) each socket to its peer endpoint" step.
// Connecting filters inbound datagrams to the peer address at the kernel
// level and lets Write replace WriteTo thereafter.
func (r *Relay) resolveEndpoints() {
	r.connectMedium(false, r.Session.RemoteAudioIP)
	r.connectMedium(true, r.Session.RemoteVideoIP)
}

func (r *Relay) connectMedium(isVideo bool, remoteIP string) {
	if remoteIP == "" || remoteIP == "0.0.0.0" || remoteIP == "::" {
		return
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return
	}
	medium := r.Session.Medium(isVideo)
	if !medium.Has {
		return
	}
	if medium.RTPConn != nil && medium.RemoteRTPPort > 0 {
		if err := connectUDP(medium.RTPConn, ip, medium.RemoteRTPPort); err != nil {
			r.Log.Debug().Err(err).Bool("video", isVideo).Msg("relay: connect rtp socket")
		}
	}
	if medium.RTCPConn != nil && medium.RemoteRTCPPort > 0 {
		if err := connectUDP(medium.RTCPConn, ip, medium.RemoteRTCPPort); err != nil {
			r.Log.Debug().Err(err).Bool("video", isVideo).Msg("relay: connect rtcp socket")
		}
	}
}

// connectUDP issues a raw connect(2) on an already-bound, unconnected UDP
// socket, the same SyscallConn().Control idiom PortAllocator uses for
// socket options.
func connectUDP(conn *net.UDPConn, ip net.IP, port int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		if ip4 := ip.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			ctrlErr = unix.Connect(int(fd), sa)
			return
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		ctrlErr = unix.Connect(int(fd), sa)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

func (r *Relay) handleInbound(dg inboundDatagram) {
	if dg.isRTCP {
		r.handleInboundRTCP(r.Session.Medium(dg.isVideo), dg.isVideo, dg.data)
		return
	}
	r.handleInboundRTP(r.Session.Medium(dg.isVideo), dg.isVideo, dg.data)
}

func (r *Relay) handleInboundRTP(medium *MediumState, isVideo bool, data []byte) {
	var header rtp.Header
	if _, err := header.Unmarshal(data); err != nil {
		r.Log.Debug().Err(err).Msg("relay: dropping malformed rtp")
		return
	}

	plain := data
	if r.Session.HasSRTPRemote && medium.SRTPRemote != nil {
		out, err := medium.SRTPRemote.Unprotect(nil, data, &header)
		if err != nil {
			r.Log.Debug().Err(err).Uint32("ssrc", header.SSRC).Uint16("seq", header.SequenceNumber).
				Msg("relay: rtp unprotect failed")
			return
		}
		if out == nil {
			return // replay_fail/replay_old: dropped silently
		}
		plain = out
	}

	var pkt rtp.Packet
	if err := RTPUnmarshal(plain, &pkt); err != nil {
		r.Log.Debug().Err(err).Msg("relay: dropping malformed rtp after unprotect")
		return
	}

	if RTPDebug {
		r.Log.Debug().Bool("video", isVideo).Msgf("relay: recv rtp\n%s", pkt.String())
	}

	if medium.SSRCPeer == 0 {
		medium.SSRCPeer = pkt.SSRC
	}

	ext := r.extractExtensions(&pkt)

	// Normalize seq/timestamp across SSRC changes and present a stable
	// SSRC to the WebRTC side regardless of what the peer sent.
	medium.Switching.Rewrite(&pkt, medium.SSRCPeer)

	if tap := r.peerTap(isVideo); tap != nil {
		tap.WriteRTP(&pkt)
	}

	out, err := pkt.Marshal()
	if err != nil {
		r.Log.Debug().Err(err).Msg("relay: re-marshal rtp failed")
		return
	}
	r.Host.RelayRTP(r.Handle, isVideo, out, ext)
}

func (r *Relay) handleInboundRTCP(medium *MediumState, isVideo bool, data []byte) {
	plain := data
	if r.Session.HasSRTPRemote && medium.SRTPRemote != nil {
		out, err := medium.SRTPRemote.UnprotectRTCP(nil, data)
		if err != nil {
			r.Log.Debug().Err(err).Msg("relay: rtcp unprotect failed")
			return
		}
		if out == nil {
			return
		}
		plain = out
	}

	pkts, err := rtcp.Unmarshal(plain)
	if err != nil {
		r.Log.Debug().Err(err).Msg("relay: dropping malformed rtcp")
		return
	}
	if RTCPDebug {
		for _, p := range pkts {
			r.Log.Debug().Bool("video", isVideo).Msgf("relay: recv rtcp\n%v", p)
		}
	}

	r.Host.RelayRTCP(r.Handle, isVideo, plain)
}

func (r *Relay) extractExtensions(pkt *rtp.Packet) HeaderExtensions {
	var ext HeaderExtensions

	if id := r.Session.AudioLevelExtensionID; id > 0 {
		if raw := pkt.GetExtension(uint8(id)); raw != nil {
			var al rtp.AudioLevelExtension
			if err := al.Unmarshal(raw); err == nil {
				ext.HasAudioLevel = true
				ext.VAD = al.Voice
				ext.Level = al.Level
			}
		}
	}

	if id := r.Session.VideoOrientationExtensionID; id > 0 {
		if raw := pkt.GetExtension(uint8(id)); len(raw) > 0 {
			// 3GPP CVO one-byte payload: bits 7-4 reserved, C, F, R1, R0.
			b := raw[0]
			ext.HasVideoOrientation = true
			ext.BackCamera = b&0x08 != 0
			ext.Flipped = b&0x04 != 0
			switch b & 0x03 {
			case 0:
				ext.Rotation = 0
			case 1:
				ext.Rotation = 90
			case 2:
				ext.Rotation = 180
			case 3:
				ext.Rotation = 270
			}
		}
	}

	return ext
}

func (r *Relay) cleanup() {
	r.Session.Close()
}

// SendRTP is the outbound entry point the embedding host calls directly
// (not from inside Run) to push a WebRTC-side frame to the peer.
func (r *Relay) SendRTP(isVideo bool, pkt *rtp.Packet) error {
	medium := r.Session.Medium(isVideo)
	if !medium.Has || !medium.Send {
		return nil
	}
	if r.Session.SimulcastSSRC != 0 && pkt.SSRC != 0 && pkt.SSRC != r.Session.SimulcastSSRC {
		return nil
	}
	if medium.SSRC == 0 {
		medium.SSRC = pkt.SSRC
	}

	if tap := r.userTap(isVideo); tap != nil {
		tap.WriteRTP(pkt)
	}

	if RTPDebug {
		r.Log.Debug().Bool("video", isVideo).Msgf("relay: send rtp\n%s", pkt.String())
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}

	if r.Session.HasSRTPLocal && medium.SRTPLocal != nil {
		buf, err = medium.SRTPLocal.Protect(nil, buf, &pkt.Header)
		if err != nil {
			return err
		}
	}

	if medium.RTPConn == nil {
		return nil
	}
	if _, err := medium.RTPConn.Write(buf); err != nil {
		r.Log.Debug().Err(err).Bool("video", isVideo).Msg("relay: outbound rtp send failed")
	}
	return nil
}

// SendRTCP is the outbound RTCP counterpart to SendRTP. It rewrites the
// sender/receiver report SSRCs to the learned local/peer SSRCs before
// sending so the peer sees consistent identifiers across the bridge.
func (r *Relay) SendRTCP(isVideo bool, pkts []rtcp.Packet) error {
	medium := r.Session.Medium(isVideo)
	if !medium.Has {
		return nil
	}

	fixRTCPSSRCs(pkts, medium.SSRC, medium.SSRCPeer)

	if RTCPDebug {
		for _, p := range pkts {
			r.Log.Debug().Bool("video", isVideo).Msgf("relay: send rtcp\n%v", p)
		}
	}

	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		return err
	}

	if r.Session.HasSRTPLocal && medium.SRTPLocal != nil {
		buf, err = medium.SRTPLocal.ProtectRTCP(nil, buf)
		if err != nil {
			return err
		}
	}

	if medium.RTCPConn == nil {
		return nil
	}
	if _, err := medium.RTCPConn.Write(buf); err != nil {
		r.Log.Debug().Err(err).Bool("video", isVideo).Msg("relay: outbound rtcp send failed")
	}
	return nil
}

func fixRTCPSSRCs(pkts []rtcp.Packet, localSSRC, peerSSRC uint32) {
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			if localSSRC != 0 {
				pkt.SSRC = localSSRC
			}
		case *rtcp.ReceiverReport:
			if localSSRC != 0 {
				pkt.SSRC = localSSRC
			}
			for i := range pkt.Reports {
				if peerSSRC != 0 {
					pkt.Reports[i].SSRC = peerSSRC
				}
			}
		}
	}
}
