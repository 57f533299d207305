// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connections dials a single peer over TCP or via a relay and
// hands back a fingerprint authenticated TLS stream.
package connections

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncthing/stget/lib/discover"
	"github.com/syncthing/stget/lib/protocol"
	"github.com/syncthing/stget/lib/relay"
	"github.com/syncthing/stget/lib/tlsutil"
)

const (
	dialTimeout = 10 * time.Second

	// idleTimeout is how long the established connection may go without
	// inbound traffic before reads error out. The peer's pings keep a
	// healthy connection well below this.
	idleTimeout = 270 * time.Second
)

// ErrPeerAuthFailed means the dialed device presented a certificate whose
// fingerprint does not match the expected device ID.
var ErrPeerAuthFailed = errors.New("peer device ID mismatch")

var l = slog.With("pkg", "connections")

// A Dialer establishes authenticated connections to the configured peer.
type Dialer struct {
	Cert     tls.Certificate
	Resolver discover.Resolver

	// DownloadLimit, when set, caps the inbound byte rate.
	DownloadLimit *rate.Limiter
}

// Dial connects to the device at the given address. The address is a
// tcp:// or relay:// URL, or the literal "dynamic" to consult the
// resolver. The returned connection has exchanged TLS handshakes and had
// its peer certificate verified against the expected device ID.
func (d *Dialer) Dial(ctx context.Context, address string, expected protocol.DeviceID) (net.Conn, error) {
	if address == "dynamic" {
		if d.Resolver == nil {
			return nil, discover.ErrNoAddresses
		}
		addrs, err := d.Resolver.Lookup(ctx, expected)
		if err != nil {
			return nil, err
		}
		var firstErr error
		for _, addr := range addrs {
			conn, err := d.Dial(ctx, addr, expected)
			if err == nil {
				return conn, nil
			}
			l.Debug("dial failed", "address", addr, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		return nil, firstErr
	}

	uri, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}

	switch uri.Scheme {
	case "tcp":
		return d.dialTCP(ctx, uri, expected)
	case "relay":
		return d.dialRelay(uri, expected)
	default:
		return nil, fmt.Errorf("unsupported address scheme %q", uri.Scheme)
	}
}

func (d *Dialer) dialTCP(ctx context.Context, uri *url.URL, expected protocol.DeviceID) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", uri.Host)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(tcpConn, tlsutil.SecureDefaultTLS(d.Cert))
	return d.secure(tlsConn, expected)
}

func (d *Dialer) dialRelay(uri *url.URL, expected protocol.DeviceID) (net.Conn, error) {
	invitation, err := relay.GetInvitation(uri, expected, []tls.Certificate{d.Cert})
	if err != nil {
		return nil, err
	}

	sessionConn, err := relay.JoinSession(uri.Host, invitation)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(sessionConn, tlsutil.SecureDefaultTLS(d.Cert))
	return d.secure(tlsConn, expected)
}

// secure runs the TLS handshake and authenticates the peer fingerprint.
// The socket is closed on every error path.
func (d *Dialer) secure(tlsConn *tls.Conn, expected protocol.DeviceID) (net.Conn, error) {
	_ = tlsConn.SetDeadline(time.Now().Add(dialTimeout))
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}

	actual, err := protocol.DeviceIDFromConnection(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	if !actual.Equals(expected) {
		tlsConn.Close()
		return nil, fmt.Errorf("%w: expected %v, got %v", ErrPeerAuthFailed, expected, actual)
	}

	_ = tlsConn.SetDeadline(time.Time{})
	l.Debug("connection secured", "device", actual.Short(), "remote", tlsConn.RemoteAddr())
	return &idleConn{Conn: tlsConn, limiter: d.DownloadLimit}, nil
}

// idleConn pushes the read deadline forward on every read so that a
// dead peer is noticed, and applies the optional download rate limit.
type idleConn struct {
	net.Conn
	limiter *rate.Limiter
}

func (c *idleConn) Read(bs []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(idleTimeout))
	n, err := c.Conn.Read(bs)
	if c.limiter != nil && n > 0 {
		take := n
		burst := c.limiter.Burst()
		for take > 0 {
			w := take
			if w > burst {
				w = burst
			}
			_ = c.limiter.WaitN(context.Background(), w)
			take -= w
		}
	}
	return n, err
}
