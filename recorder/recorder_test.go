// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package recorder

import (
	"path/filepath"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestRawRTPRecorderWritesAndClosesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.rrtp")

	rec, err := NewRawRTPRecorder(path, "opus", 63)
	require.NoError(t, err)

	pkt := &rtp.Packet{Payload: []byte{1, 2, 3, 4, 5}}
	require.NoError(t, rec.WriteRTP(pkt))
	require.NoError(t, rec.WriteRTP(pkt))

	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
}
