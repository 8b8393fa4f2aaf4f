// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Command bridgehost is a reference embedding of bridge.SessionManager: a
// gorilla/websocket JSON control channel lets a test client drive
// generate/process/recording/keyframe/hangup end to end. Its Host
// implementation only logs upcalls — there is no real WebRTC engine here,
// so RelayRTP/RelayRTCP/SendPLIToUser are observability stubs, not a
// working media path. This is a harness for exercising the request state
// machine, not part of the core's public contract.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plainrtp/bridge/bridge"
	"github.com/plainrtp/bridge/media"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundWire is the transport-level envelope: handle addressing and an
// optional attached description ride alongside whatever bridge.Envelope
// fields the request itself carries. The core never sees this type — main
// unwraps it and hands the same raw bytes to SessionManager.HandleMessage.
type inboundWire struct {
	Handle      uint64              `json:"handle"`
	Description *bridge.Description `json:"description"`
}

// outboundWire is what PushEvent renders back over the socket.
type outboundWire struct {
	Handle      uint64              `json:"handle"`
	Transaction string              `json:"transaction,omitempty"`
	Event       string              `json:"event"`
	Description *bridge.Description `json:"description,omitempty"`
	Fields      map[string]any      `json:"-"`
}

func (w outboundWire) MarshalJSON() ([]byte, error) {
	flat := map[string]any{
		"handle": w.Handle,
		"event":  w.Event,
	}
	if w.Transaction != "" {
		flat["transaction"] = w.Transaction
	}
	if w.Description != nil {
		flat["description"] = w.Description
	}
	for k, v := range w.Fields {
		flat[k] = v
	}
	return json.Marshal(flat)
}

// wsHost implements bridge.Host. PushEvent writes the response back over the
// websocket connection that owns the handle, keyed by a simple in-memory
// map guarded by its own mutex (one connection per handle in this harness);
// every other upcall is only logged.
type wsHost struct {
	conns *connTable
	log   zerolog.Logger
}

func newWSHost(log zerolog.Logger) *wsHost {
	return &wsHost{conns: newConnTable(), log: log}
}

func (h *wsHost) RelayRTP(handle uint64, isVideo bool, payload []byte, ext media.HeaderExtensions) {
	h.log.Debug().Uint64("handle", handle).Bool("video", isVideo).Int("bytes", len(payload)).
		Msg("bridgehost: relay rtp (no webrtc engine attached, dropped)")
}

func (h *wsHost) RelayRTCP(handle uint64, isVideo bool, payload []byte) {
	h.log.Debug().Uint64("handle", handle).Bool("video", isVideo).Int("bytes", len(payload)).
		Msg("bridgehost: relay rtcp (no webrtc engine attached, dropped)")
}

func (h *wsHost) ClosePeerConnection(handle uint64) {
	h.log.Info().Uint64("handle", handle).Msg("bridgehost: close peer connection requested")
}

func (h *wsHost) SendPLIToUser(handle bridge.Handle) error {
	h.log.Debug().Uint64("handle", uint64(handle)).Msg("bridgehost: pli to webrtc side requested")
	return nil
}

func (h *wsHost) NotifyEvent(handle bridge.Handle, event string, payload map[string]any) {
	if !h.EventsEnabled() {
		return
	}
	h.log.Info().Uint64("handle", uint64(handle)).Str("event", event).Interface("payload", payload).
		Msg("bridgehost: event")
}

func (h *wsHost) EventsEnabled() bool { return true }

func (h *wsHost) PushEvent(handle bridge.Handle, transaction string, event string, fields map[string]any, localJSEP *bridge.Description) {
	conn := h.conns.get(uint64(handle))
	if conn == nil {
		h.log.Warn().Uint64("handle", uint64(handle)).Str("event", event).
			Msg("bridgehost: push_event with no attached connection")
		return
	}
	msg := outboundWire{Handle: uint64(handle), Transaction: transaction, Event: event, Description: localJSEP, Fields: fields}
	if err := conn.WriteJSON(msg); err != nil {
		h.log.Debug().Err(err).Uint64("handle", uint64(handle)).Msg("bridgehost: push_event write failed")
	}
}

// connTable maps a session handle to the websocket connection that should
// receive its events. Minimal on purpose: one connection per handle.
type connTable struct {
	mu sync.Mutex
	m  map[uint64]*websocket.Conn
}

func newConnTable() *connTable { return &connTable{m: make(map[uint64]*websocket.Conn)} }

func (t *connTable) set(handle uint64, conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[handle] = conn
}

func (t *connTable) delete(handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, handle)
}

func (t *connTable) get(handle uint64) *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[handle]
}

var nextHandle uint64

func main() {
	addr := flag.String("addr", ":8188", "listen address for the control channel")
	localIP := flag.String("local-ip", "", "interface address for RTP/RTCP sockets (empty: wildcard)")
	advertisedIP := flag.String("advertised-ip", "127.0.0.1", "address advertised in rendered descriptions")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := log.With().Str("component", "bridgehost").Logger()

	host := newWSHost(logger)

	opts := []bridge.Option{
		bridge.WithAdvertisedIP(*advertisedIP),
		bridge.WithLogger(logger),
		bridge.WithEvents(true),
	}
	if *localIP != "" {
		if ip := net.ParseIP(*localIP); ip != nil {
			opts = append(opts, bridge.WithLocalIP(ip))
		}
	}
	manager := bridge.NewSessionManager(host, opts...)
	defer manager.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("bridgehost: websocket upgrade failed")
			return
		}
		handle := atomic.AddUint64(&nextHandle, 1)
		host.conns.set(handle, conn)
		manager.CreateSession(bridge.Handle(handle))

		logger.Info().Uint64("handle", handle).Msg("bridgehost: client connected")
		conn.WriteJSON(outboundWire{Handle: handle, Event: "attached"})

		defer func() {
			manager.DestroySession(bridge.Handle(handle))
			host.conns.delete(handle)
			conn.Close()
			logger.Info().Uint64("handle", handle).Msg("bridgehost: client disconnected")
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var wire inboundWire
			if err := json.Unmarshal(raw, &wire); err != nil {
				logger.Debug().Err(err).Msg("bridgehost: malformed wire message")
				continue
			}
			if wire.Handle == 0 {
				wire.Handle = handle
			}

			if err := manager.HandleMessage(bridge.Handle(wire.Handle), raw, wire.Description); err != nil {
				logger.Debug().Err(err).Uint64("handle", wire.Handle).Msg("bridgehost: handle_message rejected")
			}
		}
	})

	logger.Info().Str("addr", *addr).Msg("bridgehost: listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("bridgehost: server exited")
	}
}
