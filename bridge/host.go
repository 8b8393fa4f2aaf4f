// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bridge

import "github.com/plainrtp/bridge/media"

// Handle identifies a session to the embedding host and back. Opaque to
// the core beyond equality and use as a map key.
type Handle uint64

// Host is the set of upcalls the core makes into the embedding host: media
// delivery, PLI requests, PeerConnection teardown, and lifecycle
// notification/response delivery. Host embeds the Relay's narrower
// media.RelayHost, so Session.startRelay hands the same value to the Relay.
type Host interface {
	media.RelayHost

	// SendPLIToUser asks the embedding host to request a keyframe from the
	// WebRTC side (spec's send_pli upcall).
	SendPLIToUser(handle Handle) error

	// NotifyEvent emits a lifecycle event for observers, gated by
	// EventsEnabled.
	NotifyEvent(handle Handle, event string, payload map[string]any)

	// EventsEnabled gates notification work.
	EventsEnabled() bool

	// PushEvent delivers the asynchronous response for a request:
	// {event, ...fields, localjsep?}.
	PushEvent(handle Handle, transaction string, event string, fields map[string]any, localJSEP *Description)
}
