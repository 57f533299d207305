// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
)

var formatted = "P56IOI7-MZJNU2Y-IQGDREY-DM2MGTI-MGL3BXN-PQ6W5BM-TBBZ4TJ-XZWICQ2"

func TestDeviceIDFromString(t *testing.T) {
	id, err := DeviceIDFromString(formatted)
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != formatted {
		t.Errorf("%v != %v", id.String(), formatted)
	}
}

func TestDeviceIDStringRoundTrip(t *testing.T) {
	id := NewDeviceID([]byte("some certificate bytes"))
	s := id.String()

	if len(s) != 63 {
		t.Errorf("length %d != 63 for %q", len(s), s)
	}

	back, err := DeviceIDFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equals(id) {
		t.Errorf("%v != %v", back, id)
	}
}

func TestDeviceIDIgnoresFormatting(t *testing.T) {
	id0, err := DeviceIDFromString(formatted)
	if err != nil {
		t.Fatal(err)
	}
	stripped := strings.ReplaceAll(formatted, "-", "")
	id1, err := DeviceIDFromString(stripped)
	if err != nil {
		t.Fatal(err)
	}
	if !id0.Equals(id1) {
		t.Errorf("%v != %v", id0, id1)
	}
}

func TestDeviceIDBadCheckDigit(t *testing.T) {
	// Flipping a data character invalidates its group's check digit.
	bad := []byte(strings.ReplaceAll(formatted, "-", ""))
	if bad[0] == 'A' {
		bad[0] = 'B'
	} else {
		bad[0] = 'A'
	}
	_, err := DeviceIDFromString(string(bad))
	if !errors.Is(err, ErrCheckDigitInvalid) {
		t.Errorf("expected check digit error, got %v", err)
	}
}

func TestDeviceIDBadLength(t *testing.T) {
	for _, s := range []string{"", "ABC", strings.Repeat("A", 52), strings.Repeat("A", 57)} {
		if _, err := DeviceIDFromString(s); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("expected length error for %d chars, got %v", len(s), err)
		}
	}
}

func TestDeviceIDBadCharacter(t *testing.T) {
	s := strings.ReplaceAll(formatted, "-", "")
	s = "*" + s[1:]
	if _, err := DeviceIDFromString(s); err == nil {
		t.Error("expected error for invalid character")
	}
}

func TestDeviceIDFromCertificate(t *testing.T) {
	der := []byte("not a real certificate, but hashing doesn't care")
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatal(err)
	}

	id, err := DeviceIDFromCertificate(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !id.Equals(NewDeviceID(der)) {
		t.Error("certificate device ID does not match raw hash")
	}
}

func TestDeviceIDFromBytes(t *testing.T) {
	id0, _ := DeviceIDFromString(formatted)
	id1, err := DeviceIDFromBytes(id0[:])
	if err != nil {
		t.Fatal(err)
	}
	if id1.String() != formatted {
		t.Errorf("%v != %v", id1.String(), formatted)
	}

	if _, err := DeviceIDFromBytes([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected length error, got %v", err)
	}
}

func TestLuhnifyRoundTrip(t *testing.T) {
	s := strings.Repeat("ABCDEFGHIJKLM", 4)
	withChecks, err := luhnify(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(withChecks) != 56 {
		t.Fatalf("length %d != 56", len(withChecks))
	}
	back, err := unluhnify(withChecks)
	if err != nil {
		t.Fatal(err)
	}
	if back != s {
		t.Errorf("%q != %q", back, s)
	}
}

func TestLuhn32Invalid(t *testing.T) {
	if _, err := luhn32("abc123"); err == nil {
		t.Error("expected error for characters outside the alphabet")
	}
}
