// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tlsutil loads the client certificate and builds the TLS
// configurations used towards peers and relays. Peers use self signed
// certificates; chain validation is disabled and identity rests on the
// certificate fingerprint alone.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/syncthing/stget/lib/protocol"
)

// BEPProtocolName is the NextProto announced for BEP sessions.
const BEPProtocolName = "bep/1.0"

// LoadCertificate reads the certificate and key files from disk. The key
// must be RSA or ECDSA; anything else is rejected up front rather than at
// handshake time.
func LoadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading key pair: %w", err)
	}
	switch cert.PrivateKey.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return tls.Certificate{}, fmt.Errorf("unsupported private key type %T", cert.PrivateKey)
	}
	return cert, nil
}

// LocalDeviceID returns the device ID of the certificate in the given
// file.
func LocalDeviceID(certFile string) (protocol.DeviceID, error) {
	pemBytes, err := os.ReadFile(certFile)
	if err != nil {
		return protocol.EmptyDeviceID, err
	}
	return protocol.DeviceIDFromCertificate(pemBytes)
}

// SecureDefaultTLS returns a TLS configuration for talking BEP with a
// peer authenticated by fingerprint.
func SecureDefaultTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{BEPProtocolName},
		ClientAuth:         tls.RequestClientCert,
		InsecureSkipVerify: true, // identity is the certificate fingerprint
		MinVersion:         tls.VersionTLS12,
	}
}
