// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bridge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plainrtp/bridge/media"
)

type pushedEvent struct {
	Handle      Handle
	Transaction string
	Event       string
	Fields      map[string]any
	LocalJSEP   *Description
}

type fakeHost struct {
	events chan pushedEvent
	plis   chan Handle
}

func newFakeHost() *fakeHost {
	return &fakeHost{events: make(chan pushedEvent, 16), plis: make(chan Handle, 16)}
}

func (f *fakeHost) RelayRTP(handle uint64, isVideo bool, payload []byte, ext media.HeaderExtensions) {}
func (f *fakeHost) RelayRTCP(handle uint64, isVideo bool, payload []byte)                            {}
func (f *fakeHost) ClosePeerConnection(handle uint64)                                                {}

func (f *fakeHost) SendPLIToUser(handle Handle) error {
	f.plis <- handle
	return nil
}

func (f *fakeHost) NotifyEvent(handle Handle, event string, payload map[string]any) {}
func (f *fakeHost) EventsEnabled() bool                                             { return true }

func (f *fakeHost) PushEvent(handle Handle, transaction string, event string, fields map[string]any, localJSEP *Description) {
	f.events <- pushedEvent{Handle: handle, Transaction: transaction, Event: event, Fields: fields, LocalJSEP: localJSEP}
}

func waitEvent(t *testing.T, host *fakeHost) pushedEvent {
	t.Helper()
	select {
	case e := <-host.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed event")
		return pushedEvent{}
	}
}

const offerSDPSRTPOptional = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

func newTestManager(t *testing.T, host *fakeHost) *SessionManager {
	t.Helper()
	mgr := NewSessionManager(host, WithAdvertisedIP("203.0.113.1"), WithPortRange(30000, 30100))
	t.Cleanup(mgr.Close)
	return mgr
}

// Scenario A from spec.md §8: offer generate with SRTP optional renders an
// even local port, RTP/SAVP, and a single a=crypto line.
func TestHandleGenerateOfferSRTPOptional(t *testing.T) {
	host := newFakeHost()
	mgr := newTestManager(t, host)

	handle := Handle(1)
	mgr.CreateSession(handle)

	req := fmt.Sprintf(`{"request":"generate","transaction":"t1","srtp":"sdes_optional"}`)
	desc := &Description{Type: "offer", SDP: offerSDPSRTPOptional}
	require.NoError(t, mgr.HandleMessage(handle, []byte(req), desc))

	evt := waitEvent(t, host)
	require.Equal(t, "generated", evt.Event)
	require.Equal(t, "offer", evt.Fields["type"])

	sdpText, _ := evt.Fields["sdp"].(string)
	require.Contains(t, sdpText, "RTP/SAVP 111")
	require.Contains(t, sdpText, "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:")
	require.Contains(t, sdpText, "c=IN IP4 203.0.113.1")
}

// Scenario C: srtp:"sdes_mandatory" on a generate answer when the prior
// process never observed a=crypto fails TOO_STRICT and doesn't start a relay.
func TestHandleGenerateAnswerSRTPMandatoryWithoutRemoteCryptoFails(t *testing.T) {
	host := newFakeHost()
	mgr := newTestManager(t, host)

	handle := Handle(2)
	mgr.CreateSession(handle)

	req := `{"request":"generate","transaction":"t2","srtp":"sdes_mandatory"}`
	answerSDP := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nc=IN IP4 0.0.0.0\r\nt=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 opus/48000/2\r\na=sendrecv\r\n"
	desc := &Description{Type: "answer", SDP: answerSDP}
	require.NoError(t, mgr.HandleMessage(handle, []byte(req), desc))

	evt := waitEvent(t, host)
	require.Equal(t, "error", evt.Event)
	require.Equal(t, int(ErrTooStrict), evt.Fields["error_code"])
}

// Scenario D: recording start on user audio emits recordingupdated.
func TestHandleRecordingStartUserAudio(t *testing.T) {
	host := newFakeHost()
	mgr := newTestManager(t, host)

	handle := Handle(3)
	session := mgr.CreateSession(handle)
	session.Media.Audio.PTName = "opus"

	dir := t.TempDir()
	req := fmt.Sprintf(`{"request":"recording","transaction":"t3","action":"start","audio":true,"filename":%q}`, dir+"/rec")
	require.NoError(t, mgr.HandleMessage(handle, []byte(req), nil))

	evt := waitEvent(t, host)
	require.Equal(t, "recordingupdated", evt.Event)

	session.recMu.Lock()
	defer session.recMu.Unlock()
	require.NotNil(t, session.recorders.userAudio)
	require.Equal(t, "opus", session.recorders.userAudio.CodecName)
}

// Scenario E: keyframe to peer without PLI support sends no RTCP PLI but
// still reports keyframesent.
func TestHandleKeyframePeerWithoutPLISupport(t *testing.T) {
	host := newFakeHost()
	mgr := newTestManager(t, host)

	handle := Handle(4)
	session := mgr.CreateSession(handle)
	session.Media.VideoPLISupported = false

	req := `{"request":"keyframe","transaction":"t4","peer":true}`
	require.NoError(t, mgr.HandleMessage(handle, []byte(req), nil))

	evt := waitEvent(t, host)
	require.Equal(t, "keyframesent", evt.Event)
	require.Nil(t, session.relay)
}

func TestHandleGenerateRejectsMissingDescription(t *testing.T) {
	host := newFakeHost()
	mgr := newTestManager(t, host)

	handle := Handle(5)
	mgr.CreateSession(handle)

	req := `{"request":"generate","transaction":"t5"}`
	require.NoError(t, mgr.HandleMessage(handle, []byte(req), nil))

	evt := waitEvent(t, host)
	require.Equal(t, "error", evt.Event)
	require.Equal(t, int(ErrMissingSDP), evt.Fields["error_code"])
}

func TestHandleUnknownSessionReportsError(t *testing.T) {
	host := newFakeHost()
	mgr := newTestManager(t, host)

	req := `{"request":"keyframe","transaction":"t6"}`
	require.NoError(t, mgr.HandleMessage(Handle(999), []byte(req), nil))

	evt := waitEvent(t, host)
	require.Equal(t, "error", evt.Event)
	require.Equal(t, int(ErrWrongState), evt.Fields["error_code"])
}
