// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package srtpctx implements per-direction, per-medium SDES-SRTP key
// management: local key generation and base64 encoding for offers, remote
// key decoding and policy install for answers, and the protect/unprotect
// wrappers the relay calls on every packet.
package srtpctx

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/rs/zerolog/log"
)

// Profile names the negotiable SDES-SRTP crypto suites.
type Profile int

const (
	ProfileNone Profile = iota
	ProfileAES128CmSha1_32
	ProfileAES128CmSha1_80
	ProfileAeadAes128Gcm
	ProfileAeadAes256Gcm
)

// profileSpec is one row of spec.md's SRTPContext profile table.
type profileSpec struct {
	name        string
	rtpProfile  srtp.ProtectionProfile
	rtcpProfile srtp.ProtectionProfile
	masterLen   int // key + salt, base64-decoded length
}

var profiles = map[Profile]profileSpec{
	ProfileAES128CmSha1_32: {
		name: "AES_CM_128_HMAC_SHA1_32",
		// RTCP always carries the 80-bit auth tag even when RTP uses the
		// 32-bit one; pion/srtp applies one profile per Context, so we keep
		// two contexts to reproduce this asymmetry.
		rtpProfile:  srtp.ProtectionProfileAes128CmHmacSha1_32,
		rtcpProfile: srtp.ProtectionProfileAes128CmHmacSha1_80,
		masterLen:   30,
	},
	ProfileAES128CmSha1_80: {
		name:        "AES_CM_128_HMAC_SHA1_80",
		rtpProfile:  srtp.ProtectionProfileAes128CmHmacSha1_80,
		rtcpProfile: srtp.ProtectionProfileAes128CmHmacSha1_80,
		masterLen:   30,
	},
	ProfileAeadAes128Gcm: {
		name:        "AEAD_AES_128_GCM",
		rtpProfile:  srtp.ProtectionProfileAeadAes128Gcm,
		rtcpProfile: srtp.ProtectionProfileAeadAes128Gcm,
		masterLen:   28,
	},
	ProfileAeadAes256Gcm: {
		name:        "AEAD_AES_256_GCM",
		rtpProfile:  srtp.ProtectionProfileAeadAes256Gcm,
		rtcpProfile: srtp.ProtectionProfileAeadAes256Gcm,
		masterLen:   44,
	},
}

// ParseProfileName maps an SDP crypto-attribute algorithm token to a
// Profile. Returns ProfileNone, false when unrecognized.
func ParseProfileName(name string) (Profile, bool) {
	for p, spec := range profiles {
		if spec.name == name {
			return p, true
		}
	}
	return ProfileNone, false
}

func (p Profile) String() string {
	if spec, ok := profiles[p]; ok {
		return spec.name
	}
	return "NONE"
}

// Context is the per-direction, per-medium SRTP/SRTCP state. A session
// needs up to four: {audio,video} x {local(out), remote(in)}.
type Context struct {
	profile Profile
	tag     int
	keySalt []byte // raw master key + salt, pre base64
	rtpCtx  *srtp.Context
	rtcpCtx *srtp.Context
}

// InstallLocal generates a fresh key+salt for profile, builds the
// encrypt-side contexts, and returns the crypto-line algorithm name plus the
// base64-encoded key+salt for use in an outbound a=crypto attribute.
func InstallLocal(profile Profile, tag int) (ctx *Context, algName string, base64KeySalt string, err error) {
	spec, ok := profiles[profile]
	if !ok || profile == ProfileNone {
		return nil, "", "", fmt.Errorf("srtpctx: unknown profile %v", profile)
	}

	keyLen, err := spec.rtpProfile.KeyLen()
	if err != nil {
		return nil, "", "", fmt.Errorf("srtpctx: key len: %w", err)
	}
	saltLen, err := spec.rtpProfile.SaltLen()
	if err != nil {
		return nil, "", "", fmt.Errorf("srtpctx: salt len: %w", err)
	}

	keySalt := make([]byte, keyLen+saltLen)
	if _, err := rand.Read(keySalt); err != nil {
		return nil, "", "", fmt.Errorf("srtpctx: random key/salt: %w", err)
	}

	c, err := buildContexts(spec, keySalt[:keyLen], keySalt[keyLen:])
	if err != nil {
		return nil, "", "", err
	}
	c.profile = profile
	c.tag = tag
	c.keySalt = keySalt

	return c, spec.name, base64.StdEncoding.EncodeToString(keySalt), nil
}

// InstallRemote decodes a peer-advertised a=crypto algorithm + inline
// base64 key/salt and builds the decrypt-side contexts.
func InstallRemote(algName string, base64KeySalt string, tag int) (*Context, error) {
	profile, ok := ParseProfileName(algName)
	if !ok {
		return nil, fmt.Errorf("srtpctx: unsupported crypto algorithm %q", algName)
	}
	spec := profiles[profile]

	keySalt, err := base64.StdEncoding.DecodeString(base64KeySalt)
	if err != nil {
		return nil, fmt.Errorf("srtpctx: malformed base64 key/salt: %w", err)
	}
	if len(keySalt) < spec.masterLen {
		return nil, fmt.Errorf("srtpctx: key/salt too short: got %d want %d", len(keySalt), spec.masterLen)
	}

	keyLen, _ := spec.rtpProfile.KeyLen()
	saltLen, _ := spec.rtpProfile.SaltLen()

	c, err := buildContexts(spec, keySalt[:keyLen], keySalt[keyLen:keyLen+saltLen])
	if err != nil {
		return nil, err
	}
	c.profile = profile
	c.tag = tag
	c.keySalt = keySalt
	return c, nil
}

func buildContexts(spec profileSpec, key, salt []byte) (*Context, error) {
	rtpCtx, err := srtp.CreateContext(key, salt, spec.rtpProfile)
	if err != nil {
		return nil, fmt.Errorf("srtpctx: create rtp context: %w", err)
	}

	rtcpCtx := rtpCtx
	if spec.rtcpProfile != spec.rtpProfile {
		rtcpCtx, err = srtp.CreateContext(key, salt, spec.rtcpProfile)
		if err != nil {
			return nil, fmt.Errorf("srtpctx: create rtcp context: %w", err)
		}
	}

	return &Context{rtpCtx: rtpCtx, rtcpCtx: rtcpCtx}, nil
}

// Profile returns the negotiated profile.
func (c *Context) Profile() Profile { return c.profile }

// Tag returns the crypto-line tag this context was installed under.
func (c *Context) Tag() int { return c.tag }

// Protect encrypts an RTP packet in place into dst.
func (c *Context) Protect(dst, plaintext []byte, header *rtp.Header) ([]byte, error) {
	out, err := c.rtpCtx.EncryptRTP(dst, plaintext, header)
	if err != nil {
		return nil, fmt.Errorf("srtp protect: %w", err)
	}
	return out, nil
}

// Unprotect decrypts an RTP packet. Replay failures are swallowed: the
// caller should treat a (nil, nil) return as "drop silently".
func (c *Context) Unprotect(dst, ciphertext []byte, header *rtp.Header) ([]byte, error) {
	out, err := c.rtpCtx.DecryptRTP(dst, ciphertext, header)
	if err != nil {
		if isReplayError(err) {
			log.Debug().Err(err).Uint32("ssrc", header.SSRC).Uint16("seq", header.SequenceNumber).
				Msg("srtp: dropping replayed RTP packet")
			return nil, nil
		}
		return nil, fmt.Errorf("srtp unprotect: %w", err)
	}
	return out, nil
}

// ProtectRTCP encrypts an RTCP compound packet.
func (c *Context) ProtectRTCP(dst, decrypted []byte) ([]byte, error) {
	out, err := c.rtcpCtx.EncryptRTCP(dst, decrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("srtcp protect: %w", err)
	}
	return out, nil
}

// UnprotectRTCP decrypts an RTCP compound packet. Replay failures are
// swallowed the same way Unprotect's are.
func (c *Context) UnprotectRTCP(dst, encrypted []byte) ([]byte, error) {
	out, err := c.rtcpCtx.DecryptRTCP(dst, encrypted, nil)
	if err != nil {
		if isReplayError(err) {
			log.Debug().Err(err).Msg("srtcp: dropping replayed RTCP packet")
			return nil, nil
		}
		return nil, fmt.Errorf("srtcp unprotect: %w", err)
	}
	return out, nil
}

// Cleanup zeroizes key material. The pion contexts hold no other
// closable resources.
func (c *Context) Cleanup() {
	for i := range c.keySalt {
		c.keySalt[i] = 0
	}
	c.rtpCtx = nil
	c.rtcpCtx = nil
}

func isReplayError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "replay") || strings.Contains(msg, "duplicat")
}
