// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package recorder implements the bridge's recording taps. Unlike diago's
// recorder, which decodes RTP to PCM and writes a WAV container, this
// plugin never decodes media — the negotiated codec is opaque to the
// bridge core — so a recording here is the raw RTP payload stream for one
// direction of one medium, framed with a minimal length-prefixed container
// that can be split back into frames. This package only writes that
// container; it has no reader for it.
package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// Recorder is the sink the Relay taps packets into. Close is idempotent.
type Recorder interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// RawRTPRecorder writes each tapped packet's payload to a file as
// [4-byte big-endian length][4-byte timestamp delta ms][payload], one
// frame per write, under a single mutex. REDPayloadType is attached as
// side information (spec.md §9: "the RED PT is attached as side
// information on the recorder") rather than unwrapped — the bridge does
// not decode RED.
type RawRTPRecorder struct {
	CodecName      string
	REDPayloadType int // -1 when the stream doesn't carry RED

	mu       sync.Mutex
	w        *bufio.Writer
	f        *os.File
	closed   atomic.Bool
	started  time.Time
	haveBase bool
}

// NewRawRTPRecorder creates (or truncates) filename and writes a small
// fixed header recording the codec name and RED payload type so an offline
// reader can interpret the frame stream without external context.
func NewRawRTPRecorder(filename, codecName string, redPT int) (*RawRTPRecorder, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", filename, err)
	}

	r := &RawRTPRecorder{
		CodecName:      codecName,
		REDPayloadType: redPT,
		w:              bufio.NewWriter(f),
		f:              f,
	}
	if err := r.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *RawRTPRecorder) writeHeader() error {
	name := []byte(r.CodecName)
	if len(name) > 255 {
		name = name[:255]
	}
	header := make([]byte, 0, 6+len(name))
	header = append(header, 'R', 'R', 'T', 'P', '1')
	header = append(header, byte(len(name)))
	header = append(header, name...)
	redPT := int16(r.REDPayloadType)
	var redBuf [2]byte
	binary.BigEndian.PutUint16(redBuf[:], uint16(redPT))
	header = append(header, redBuf[:]...)
	_, err := r.w.Write(header)
	return err
}

// WriteRTP appends pkt's payload. Safe for concurrent use; the Relay
// serializes calls per direction in practice, but WriteRTP does not rely
// on that.
func (r *RawRTPRecorder) WriteRTP(pkt *rtp.Packet) error {
	if r.closed.Load() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveBase {
		r.started = time.Now()
		r.haveBase = true
	}
	deltaMS := uint32(time.Since(r.started).Milliseconds())

	var frame [8]byte
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(pkt.Payload)))
	binary.BigEndian.PutUint32(frame[4:8], deltaMS)
	if _, err := r.w.Write(frame[:]); err != nil {
		return fmt.Errorf("recorder: write frame header: %w", err)
	}
	if _, err := r.w.Write(pkt.Payload); err != nil {
		return fmt.Errorf("recorder: write payload: %w", err)
	}
	return nil
}

// Close flushes buffered frames and closes the underlying file. Safe to
// call more than once.
func (r *RawRTPRecorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

var _ io.Closer = (*RawRTPRecorder)(nil)
