// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the client side of the relay rendezvous
// protocol: asking a relay for a session with a given device, then
// joining the offered session over plain TCP. The joined connection is
// upgraded to TLS by the caller.
package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/syncthing/stget/lib/protocol"
)

// handshakeTimeout is the hard deadline for each step of the relay
// handshake.
const handshakeTimeout = 10 * time.Second

var (
	// ErrRelayAuthFailed means the relay did not present the certificate
	// its URL promised.
	ErrRelayAuthFailed = errors.New("relay device ID mismatch")
	// ErrSessionFailed means the relay or the session endpoint refused us.
	ErrSessionFailed = errors.New("relay session failed")
)

// GetInvitation connects to the relay named by uri (scheme "relay://",
// with the relay's device ID in the "id" query parameter), verifies the
// relay's identity and requests a session with the given peer device.
func GetInvitation(uri *url.URL, peer protocol.DeviceID, certs []tls.Certificate) (SessionInvitation, error) {
	if uri.Scheme != "relay" {
		return SessionInvitation{}, fmt.Errorf("unsupported relay scheme %q", uri.Scheme)
	}

	relayID, err := protocol.DeviceIDFromString(uri.Query().Get("id"))
	if err != nil {
		return SessionInvitation{}, fmt.Errorf("relay URL device ID: %w", err)
	}

	conn, err := tls.Dial("tcp", uri.Host, configForCerts(certs))
	if err != nil {
		return SessionInvitation{}, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	actualID, err := protocol.DeviceIDFromConnection(conn)
	if err != nil {
		return SessionInvitation{}, err
	}
	if !actualID.Equals(relayID) {
		return SessionInvitation{}, fmt.Errorf("%w: expected %v, got %v", ErrRelayAuthFailed, relayID, actualID)
	}

	if err := WriteMessage(conn, ConnectRequest{ID: peer[:]}); err != nil {
		return SessionInvitation{}, err
	}

	message, err := ReadMessage(conn)
	if err != nil {
		return SessionInvitation{}, err
	}

	switch msg := message.(type) {
	case Response:
		return SessionInvitation{}, fmt.Errorf("%w: code %d: %s", ErrSessionFailed, msg.Code, msg.Message)
	case SessionInvitation:
		return msg, nil
	default:
		return SessionInvitation{}, fmt.Errorf("unexpected relay message %T", msg)
	}
}

// JoinSession opens a plain TCP connection to the session port from the
// invitation, on the same host as the relay, and presents the invitation
// key. On success the returned connection is ready for a TLS upgrade
// towards the peer.
func JoinSession(relayHost string, invitation SessionInvitation) (net.Conn, error) {
	host, _, err := net.SplitHostPort(relayHost)
	if err != nil {
		host = relayHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(invitation.Port)))

	conn, err := net.DialTimeout("tcp", addr, handshakeTimeout)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := WriteMessage(conn, JoinSessionRequest{Key: invitation.Key}); err != nil {
		conn.Close()
		return nil, err
	}

	message, err := ReadMessage(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch msg := message.(type) {
	case Response:
		if msg.Code != ResponseSuccess {
			conn.Close()
			return nil, fmt.Errorf("%w: code %d: %s", ErrSessionFailed, msg.Code, msg.Message)
		}
		_ = conn.SetDeadline(time.Time{})
		return conn, nil
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected relay message %T", msg)
	}
}

func configForCerts(certs []tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       certs,
		NextProtos:         []string{ProtocolName},
		InsecureSkipVerify: true, // identity is the certificate fingerprint
		MinVersion:         tls.VersionTLS12,
	}
}
