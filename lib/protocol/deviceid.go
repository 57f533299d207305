// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base32"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// A DeviceID is the SHA-256 of the DER encoded certificate presented by a
// device. The canonical string form is base32 without padding, split into
// four groups of thirteen characters, each group followed by a check
// character.
type DeviceID [32]byte

var EmptyDeviceID = DeviceID{}

var (
	ErrInvalidLength     = errors.New("device ID invalid: incorrect length")
	ErrInvalidCharacter  = errors.New("device ID invalid: bad character")
	ErrCheckDigitInvalid = errors.New("device ID invalid: check digit incorrect")
)

// NewDeviceID generates a new device ID from the raw bytes of a certificate.
func NewDeviceID(rawCert []byte) DeviceID {
	return DeviceID(sha256.Sum256(rawCert))
}

// DeviceIDFromCertificate parses a PEM encoded certificate and returns the
// device ID of the contained certificate body.
func DeviceIDFromCertificate(pemCert []byte) (DeviceID, error) {
	block, _ := pem.Decode(pemCert)
	if block == nil || block.Type != "CERTIFICATE" {
		return EmptyDeviceID, errors.New("no certificate in PEM data")
	}
	return NewDeviceID(block.Bytes), nil
}

// DeviceIDFromConnection returns the device ID of the peer on the other
// side of an established TLS connection.
func DeviceIDFromConnection(conn *tls.Conn) (DeviceID, error) {
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return EmptyDeviceID, errors.New("peer presented no certificate")
	}
	return NewDeviceID(certs[0].Raw), nil
}

func DeviceIDFromString(s string) (DeviceID, error) {
	var n DeviceID
	err := n.UnmarshalText([]byte(s))
	return n, err
}

func DeviceIDFromBytes(bs []byte) (DeviceID, error) {
	var n DeviceID
	if len(bs) != len(n) {
		return n, ErrInvalidLength
	}
	copy(n[:], bs)
	return n, nil
}

// String returns the canonical string representation of the device ID.
func (n DeviceID) String() string {
	id := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(n[:])
	id, err := luhnify(id)
	if err != nil {
		// Can't happen: the input alphabet is correct by construction.
		panic(err)
	}
	return chunkify(id)
}

func (n DeviceID) GoString() string {
	return n.String()
}

func (n DeviceID) Equals(other DeviceID) bool {
	return bytes.Equal(n[:], other[:])
}

// Short returns an integer representing bits 0-63 of the device ID.
func (n DeviceID) Short() uint64 {
	return binary.BigEndian.Uint64(n[:])
}

func (n DeviceID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *DeviceID) UnmarshalText(bs []byte) error {
	id := strings.ToUpper(string(bs))
	id = untypeoify(unchunkify(id))

	if len(id) != 56 {
		return ErrInvalidLength
	}
	id, err := unluhnify(id)
	if err != nil {
		return err
	}
	dec, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCharacter, err)
	}
	copy(n[:], dec)
	return nil
}

func luhnify(s string) (string, error) {
	if len(s) != 52 {
		panic("unsupported string length")
	}
	var b strings.Builder
	for i := 0; i < 4; i++ {
		p := s[i*13 : (i+1)*13]
		c, err := luhn32(p)
		if err != nil {
			return "", err
		}
		b.WriteString(p)
		b.WriteRune(c)
	}
	return b.String(), nil
}

func unluhnify(s string) (string, error) {
	if len(s) != 56 {
		return "", ErrInvalidLength
	}
	var b strings.Builder
	for i := 0; i < 4; i++ {
		p := s[i*14 : (i+1)*14-1]
		c, err := luhn32(p)
		if err != nil {
			return "", err
		}
		if s[i*14+13] != byte(c) {
			return "", ErrCheckDigitInvalid
		}
		b.WriteString(p)
	}
	return b.String(), nil
}

func chunkify(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += 7 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(s[i : i+7])
	}
	return b.String()
}

func unchunkify(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

func untypeoify(s string) string {
	s = strings.ReplaceAll(s, "0", "O")
	s = strings.ReplaceAll(s, "1", "I")
	return strings.ReplaceAll(s, "8", "B")
}
