// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestHelloRoundTrip(t *testing.T) {
	hello := Hello{DeviceName: "device", ClientName: "stget", ClientVersion: "v0.1.0"}

	var buf bytes.Buffer
	if err := writeHello(&buf, hello); err != nil {
		t.Fatal(err)
	}
	back, err := readHello(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if back != hello {
		t.Errorf("%+v != %+v", back, hello)
	}
}

func TestHelloSplitAcrossReads(t *testing.T) {
	// The hello must survive arriving in arbitrarily small pieces.
	hello := Hello{DeviceName: "device", ClientName: "stget", ClientVersion: "v0.1.0"}
	var buf bytes.Buffer
	if err := writeHello(&buf, hello); err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	go func() {
		bs := buf.Bytes()
		for i := range bs {
			if _, err := pw.Write(bs[i : i+1]); err != nil {
				return
			}
		}
		pw.Close()
	}()

	back, err := readHello(pr)
	if err != nil {
		t.Fatal(err)
	}
	if back != hello {
		t.Errorf("%+v != %+v", back, hello)
	}
}

func TestHelloBadMagic(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 6)
	binary.BigEndian.PutUint32(hdr, 0x12345678)
	buf.Write(hdr)

	if _, err := readHello(&buf); !errors.Is(err, ErrUnknownMagic) {
		t.Errorf("expected magic error, got %v", err)
	}
}
