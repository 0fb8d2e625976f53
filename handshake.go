// handshake.go: session handshake carried in gRPC metadata
//
// Both sides must agree on the protocol version and the magic cookie before
// any capability message is exchanged. The server assigns each accepted
// stream a session ID and returns it in the response header.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

// Metadata keys used by the handshake.
const (
	MetadataProtocolVersion = "x-capcalc-protocol-version"
	MetadataMagicCookie     = "x-capcalc-magic-cookie"
	MetadataSessionID       = "x-capcalc-session-id"
)

// HandshakeConfig represents the configuration for the session handshake.
type HandshakeConfig struct {
	// ProtocolVersion must match between client and server.
	ProtocolVersion uint `json:"protocol_version" yaml:"protocol_version" env:"PROTOCOL_VERSION"`

	// MagicCookieKey and MagicCookieValue guard against connecting an
	// unrelated gRPC client by mistake. This is not an authentication
	// mechanism.
	MagicCookieKey   string `json:"magic_cookie_key" yaml:"magic_cookie_key" env:"MAGIC_COOKIE_KEY"`
	MagicCookieValue string `json:"magic_cookie_value" yaml:"magic_cookie_value" env:"MAGIC_COOKIE_VALUE"`
}

// DefaultHandshakeConfig provides the default handshake configuration.
var DefaultHandshakeConfig = HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CAPCALC_MAGIC_COOKIE",
	MagicCookieValue: "agilira-capcalc-v1",
}

var cookieKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks if the HandshakeConfig is valid and complete.
func (hc *HandshakeConfig) Validate() error {
	if hc.ProtocolVersion == 0 {
		return NewHandshakeError("protocol version must be greater than 0", nil)
	}
	if hc.MagicCookieKey == "" {
		return NewHandshakeError("magic cookie key is required", nil)
	}
	if hc.MagicCookieValue == "" {
		return NewHandshakeError("magic cookie value is required", nil)
	}
	if !cookieKeyPattern.MatchString(hc.MagicCookieKey) {
		return NewHandshakeError("magic cookie key must be a valid identifier", nil)
	}
	return nil
}

// cookieToken joins key and value so both have to match.
func (hc *HandshakeConfig) cookieToken() string {
	return hc.MagicCookieKey + "=" + hc.MagicCookieValue
}

// OutgoingMetadata returns the metadata a client attaches to its stream.
func (hc *HandshakeConfig) OutgoingMetadata() metadata.MD {
	return metadata.Pairs(
		MetadataProtocolVersion, strconv.FormatUint(uint64(hc.ProtocolVersion), 10),
		MetadataMagicCookie, hc.cookieToken(),
	)
}

// ValidateIncoming checks the metadata received by the server.
func (hc *HandshakeConfig) ValidateIncoming(md metadata.MD) error {
	versions := md.Get(MetadataProtocolVersion)
	if len(versions) == 0 {
		return NewHandshakeError("missing protocol version", nil)
	}
	version, err := strconv.ParseUint(strings.TrimSpace(versions[0]), 10, 32)
	if err != nil {
		return NewHandshakeError("invalid protocol version", err).
			WithContext("version", versions[0])
	}
	if uint(version) != hc.ProtocolVersion {
		return NewHandshakeError("unsupported protocol version", nil).
			WithContext("expected", hc.ProtocolVersion).
			WithContext("actual", version)
	}

	cookies := md.Get(MetadataMagicCookie)
	if len(cookies) == 0 || cookies[0] != hc.cookieToken() {
		return NewHandshakeError("magic cookie mismatch", nil)
	}
	return nil
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
