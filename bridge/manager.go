// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bridge

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/plainrtp/bridge/media"
	"github.com/rs/zerolog"
)

// Option configures a SessionManager, following diago's functional-options
// idiom (DiagoOption in the teacher's now-removed diago.go).
type Option func(*SessionManager)

// WithLocalIP sets the interface address media sockets bind to. Unset or
// unresolvable means the wildcard of the preferred address family.
func WithLocalIP(ip net.IP) Option {
	return func(m *SessionManager) { m.localIP = ip }
}

// WithAdvertisedIP sets the address advertised in rendered descriptions.
// Defaults to the local IP when unset.
func WithAdvertisedIP(ip string) Option {
	return func(m *SessionManager) { m.sdpIP = ip }
}

// WithPortRange overrides the default 10000-60000 RTP/RTCP port range.
func WithPortRange(min, max int) Option {
	return func(m *SessionManager) { m.portRange = [2]int{min, max} }
}

// WithDSCP sets the DSCP values applied to audio/video RTP sockets.
func WithDSCP(audio, video int) Option {
	return func(m *SessionManager) { m.dscpAudio, m.dscpVideo = audio, video }
}

// WithEvents records whether host event notification is enabled. The
// manager stores the flag but does not read it, and nothing in this package
// calls Host.NotifyEvent.
func WithEvents(enabled bool) Option {
	return func(m *SessionManager) { m.eventsEnabled = enabled }
}

// WithLogger overrides the default zerolog logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *SessionManager) { m.log = log }
}

// SessionManager owns the process-wide state spec.md §9 calls out
// explicitly: the port cursor, advertised addresses, DSCP values, the
// session map, and the request queue plus its worker. One instance per
// embedding host process.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[Handle]*sessionEntry

	ports     *media.PortAllocator
	localIP   net.IP
	sdpIP     string
	portRange [2]int
	dscpAudio int
	dscpVideo int

	eventsEnabled bool
	log           zerolog.Logger

	host Host

	requests chan *pendingRequest
	stopping atomic.Bool
	workerWG sync.WaitGroup
}

type sessionEntry struct {
	session *Session
	refs    int32
}

// pendingRequest is the host-produced, worker-consumed unit spec.md §3
// calls PendingRequest: {handle, transaction, payload, optional
// WebRTC-side description}.
type pendingRequest struct {
	handle      Handle
	envelope    *Envelope
	description *Description // attached WebRTC-side description, for generate
}

const defaultQueueDepth = 256

// NewSessionManager builds a manager with its worker running, bound to
// host for all upcalls. Call Close to stop the worker.
func NewSessionManager(host Host, opts ...Option) *SessionManager {
	m := &SessionManager{
		sessions:  make(map[Handle]*sessionEntry),
		portRange: [2]int{10000, 60000},
		log:       zerolog.Nop(),
		host:      host,
		requests:  make(chan *pendingRequest, defaultQueueDepth),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sdpIP == "" && m.localIP != nil {
		m.sdpIP = m.localIP.String()
	}
	m.ports = media.NewPortAllocator(m.portRange[0], m.portRange[1], m.localIP)
	m.ports.DSCPAudio = m.dscpAudio
	m.ports.DSCPVideo = m.dscpVideo

	m.workerWG.Add(1)
	go m.runWorker()

	return m
}

// CreateSession inserts a new, empty session for handle. Mirrors the
// host's create_session downcall.
func (m *SessionManager) CreateSession(handle Handle) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[handle]; ok {
		return e.session
	}
	s := newSession(handle, m.log.With().Uint64("handle", uint64(handle)).Logger())
	m.sessions[handle] = &sessionEntry{session: s, refs: 1}
	return s
}

// lookup returns the session for handle with its reference count bumped.
// Caller must call release when done.
func (m *SessionManager) lookup(handle Handle) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[handle]
	if !ok {
		return nil
	}
	atomic.AddInt32(&e.refs, 1)
	return e.session
}

func (m *SessionManager) release(handle Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[handle]
	if !ok {
		return
	}
	if atomic.AddInt32(&e.refs, -1) <= 0 {
		delete(m.sessions, handle)
	}
}

// DestroySession marks the session destroyed, stops its Relay, and drops
// it from the map once references reach zero. Mirrors destroy_session.
func (m *SessionManager) DestroySession(handle Handle) {
	m.mu.Lock()
	e, ok := m.sessions[handle]
	m.mu.Unlock()
	if !ok {
		return
	}

	e.session.Lock()
	e.session.Media.Destroyed = true
	e.session.stopRelay()
	e.session.Unlock()

	m.release(handle)
}

// HandleMessage enqueues request for the worker. Returns an error only
// when the queue itself is unavailable (manager stopping or queue full); per-request
// validation errors surface later via Host.PushEvent.
func (m *SessionManager) HandleMessage(handle Handle, raw []byte, description *Description) error {
	if m.stopping.Load() {
		return newAPIError(ErrWrongState, "session manager is stopping")
	}

	envelope, err := ParseEnvelope(raw)
	if err != nil {
		m.pushError(handle, "", err)
		return nil
	}

	select {
	case m.requests <- &pendingRequest{handle: handle, envelope: envelope, description: description}:
		return nil
	default:
		return newAPIError(ErrIOError, "request queue full")
	}
}

func (m *SessionManager) runWorker() {
	defer m.workerWG.Done()
	handler := &RequestHandler{manager: m}

	for req := range m.requests {
		handler.dispatch(req)
	}
}

// Close stops the worker. Existing sessions' relays and sockets are not
// torn down; callers should DestroySession each handle first if a clean
// shutdown is wanted.
func (m *SessionManager) Close() {
	m.stopping.Store(true)
	close(m.requests)
	m.workerWG.Wait()
}

func (m *SessionManager) pushError(handle Handle, transaction string, err error) {
	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = wrapAPIError(ErrUnknown, err, "unexpected error")
	}
	m.host.PushEvent(handle, transaction, "error", map[string]any{
		"error_code": int(apiErr.Code),
		"error":      apiErr.Error(),
	}, nil)
}
