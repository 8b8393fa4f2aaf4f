// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bridge

import (
	"context"
	"sync"

	"github.com/plainrtp/bridge/media"
	"github.com/plainrtp/bridge/recorder"
	"github.com/rs/zerolog"
)

// Session wraps a MediaSession with the request-serialization, recorder,
// and relay-lifecycle state spec.md §3 assigns to it: a mutex protecting
// media fields, a separate recorders mutex, four optional recorder
// handles, a version counter for description regeneration, and the last
// parsed description on each side.
type Session struct {
	Handle Handle

	mu    sync.Mutex
	Media *media.MediaSession

	recMu     sync.Mutex
	recorders struct {
		userAudio, userVideo, peerAudio, peerVideo *recorder.RawRTPRecorder
	}

	// LocalDescription is the last plain-RTP description generate rendered;
	// RemoteDescription is the last one process accepted. Both are stored
	// verbatim; nothing in this package reads them back.
	LocalDescription  *Description
	RemoteDescription *Description

	version uint64

	relay     *media.Relay
	relayCtx  context.Context
	relayStop context.CancelFunc
}

func newSession(handle Handle, log zerolog.Logger) *Session {
	return &Session{
		Handle: handle,
		Media:  media.NewMediaSession(log),
	}
}

// Lock/Unlock expose the session mutex to RequestHandler; kept as methods
// (rather than exporting the mutex) so the zero-value mutex invariant
// can't be broken by a caller holding a copy.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

func (s *Session) nextVersion() uint64 {
	s.version++
	return s.version
}

// startRelay launches the Relay goroutine once both sides have negotiated.
// Caller must hold s.mu.
func (s *Session) startRelay(host Host) {
	if s.relay != nil {
		return
	}
	s.relayCtx, s.relayStop = context.WithCancel(context.Background())
	s.relay = media.NewRelay(uint64(s.Handle), s.Media, host, s.Media.Log)
	s.applyRecorders()
	go s.relay.Run(s.relayCtx)
}

// stopRelay signals the Relay to exit via both the wake channel (the
// destroyed/hangingup path the Relay's select loop checks) and context
// cancellation, in case the Relay hasn't started reading yet.
func (s *Session) stopRelay() {
	if s.relay == nil {
		return
	}
	s.Media.WakeUpdated()
	if s.relayStop != nil {
		s.relayStop()
	}
}

// applyRecorders pushes the currently-open recorder handles into the
// Relay's taps. Caller must hold both s.mu and s.recMu, or call this right
// after startRelay before the Relay is reachable from other goroutines.
func (s *Session) applyRecorders() {
	if s.relay == nil {
		return
	}
	s.relay.SetRecorders(
		wrapRecorder(s.recorders.userAudio),
		wrapRecorder(s.recorders.userVideo),
		wrapRecorder(s.recorders.peerAudio),
		wrapRecorder(s.recorders.peerVideo),
	)
}

func wrapRecorder(r *recorder.RawRTPRecorder) media.PacketRecorder {
	if r == nil {
		return nil
	}
	return r
}
