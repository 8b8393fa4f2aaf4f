// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package srtpctx

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func rtpHeader(seq uint16, ssrc uint32) *rtp.Header {
	return &rtp.Header{
		Version:        2,
		PayloadType:    111,
		SequenceNumber: seq,
		Timestamp:      960 * uint32(seq),
		SSRC:           ssrc,
	}
}

func TestInstallLocalRemoteRoundTrip(t *testing.T) {
	for _, profile := range []Profile{
		ProfileAES128CmSha1_32,
		ProfileAES128CmSha1_80,
		ProfileAeadAes128Gcm,
		ProfileAeadAes256Gcm,
	} {
		t.Run(profile.String(), func(t *testing.T) {
			local, algName, keySalt, err := InstallLocal(profile, 4)
			require.NoError(t, err)
			require.Equal(t, profile.String(), algName)
			require.Equal(t, 4, local.Tag())
			require.Equal(t, profile, local.Profile())

			remote, err := InstallRemote(algName, keySalt, 4)
			require.NoError(t, err)
			require.Equal(t, profile, remote.Profile())

			plaintext, err := (&rtp.Packet{Header: *rtpHeader(100, 0xfeedface), Payload: []byte("plain RTP payload")}).Marshal()
			require.NoError(t, err)
			hdr := rtpHeader(100, 0xfeedface)
			encrypted, err := local.Protect(nil, plaintext, hdr)
			require.NoError(t, err)
			require.NotEqual(t, plaintext, encrypted)

			decryptHdr := rtpHeader(100, 0xfeedface)
			decrypted, err := remote.Unprotect(nil, encrypted, decryptHdr)
			require.NoError(t, err)
			require.Equal(t, plaintext, decrypted)

			rtcpPacket, err := (&rtcp.ReceiverReport{SSRC: 0xfeedface}).Marshal()
			require.NoError(t, err)
			encryptedRTCP, err := local.ProtectRTCP(nil, rtcpPacket)
			require.NoError(t, err)
			require.NotEqual(t, rtcpPacket, encryptedRTCP)

			decryptedRTCP, err := remote.UnprotectRTCP(nil, encryptedRTCP)
			require.NoError(t, err)
			require.Equal(t, rtcpPacket, decryptedRTCP)
		})
	}
}

// TestAES128CmSha1_32UsesAsymmetricAuthTags pins buildContexts' split: RTP is
// protected under the 32-bit auth tag the profile name promises, but RTCP
// still goes through the 80-bit tag, via two separate srtp.Context values.
func TestAES128CmSha1_32UsesAsymmetricAuthTags(t *testing.T) {
	local, algName, keySalt, err := InstallLocal(ProfileAES128CmSha1_32, 1)
	require.NoError(t, err)
	require.Equal(t, "AES_CM_128_HMAC_SHA1_32", algName)

	remote, err := InstallRemote(algName, keySalt, 1)
	require.NoError(t, err)

	plaintext, err := (&rtp.Packet{Header: *rtpHeader(7, 0x1234), Payload: []byte("narrow auth tag RTP")}).Marshal()
	require.NoError(t, err)
	hdr := rtpHeader(7, 0x1234)
	encrypted, err := local.Protect(nil, plaintext, hdr)
	require.NoError(t, err)
	// SHA1_32 appends a 4-byte auth tag; SHA1_80 would append 10.
	require.Len(t, encrypted, len(plaintext)+4)

	decrypted, err := remote.Unprotect(nil, encrypted, rtpHeader(7, 0x1234))
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)

	rtcpPacket, err := (&rtcp.ReceiverReport{SSRC: 0x1234}).Marshal()
	require.NoError(t, err)
	encryptedRTCP, err := local.ProtectRTCP(nil, rtcpPacket)
	require.NoError(t, err)
	require.Len(t, encryptedRTCP, len(rtcpPacket)+4+10)

	decryptedRTCP, err := remote.UnprotectRTCP(nil, encryptedRTCP)
	require.NoError(t, err)
	require.Equal(t, rtcpPacket, decryptedRTCP)
}

func TestInstallRemoteUnknownAlgName(t *testing.T) {
	_, err := InstallRemote("NOT_A_REAL_PROFILE", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAA==", 1)
	require.Error(t, err)
}

func TestIsReplayError(t *testing.T) {
	require.False(t, isReplayError(nil))
	require.True(t, isReplayError(errString("srtp: replay detected")))
	require.True(t, isReplayError(errString("duplicate packet dropped")))
	require.False(t, isReplayError(errString("authentication tag mismatch")))
}

type errString string

func (e errString) Error() string { return string(e) }
