// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"strings"
	"testing"
)

func TestMessageRoundTrips(t *testing.T) {
	messages := []any{
		ConnectRequest{ID: bytes.Repeat([]byte{0xaa}, 32)},
		JoinSessionRequest{Key: bytes.Repeat([]byte{0xbb}, 32)},
		Response{Code: 0, Message: "success"},
		Response{Code: 1, Message: "not found"},
		SessionInvitation{
			From:    bytes.Repeat([]byte{0xcc}, 32),
			Key:     bytes.Repeat([]byte{0xdd}, 32),
			Address: []byte{192, 0, 2, 1},
			Port:    22067,
		},
	}

	for _, msg := range messages {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, msg); err != nil {
			t.Fatalf("%T: %v", msg, err)
		}
		back, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("%T: %v", msg, err)
		}
		if !reflect.DeepEqual(msg, back) {
			t.Errorf("%T differs after round trip:\n%+v\n%+v", msg, msg, back)
		}
	}
}

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, JoinSessionRequest{Key: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatal(err)
	}
	bs := buf.Bytes()

	if m := binary.BigEndian.Uint32(bs); m != magic {
		t.Errorf("magic %08x != %08x", m, magic)
	}
	if typ := binary.BigEndian.Uint32(bs[4:]); typ != messageTypeJoinSessionRequest {
		t.Errorf("type %d != %d", typ, messageTypeJoinSessionRequest)
	}
	length := binary.BigEndian.Uint32(bs[8:])
	if int(length) != len(bs)-12 {
		t.Errorf("length field %d != payload length %d", length, len(bs)-12)
	}
	// XDR opaque: length prefix then data padded to four bytes.
	if keyLen := binary.BigEndian.Uint32(bs[12:]); keyLen != 4 {
		t.Errorf("key length prefix %d != 4", keyLen)
	}
}

func TestBadMagicRejected(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Response{Code: 0, Message: "ok"}); err != nil {
		t.Fatal(err)
	}
	bs := buf.Bytes()
	binary.BigEndian.PutUint32(bs, 0x12345678)

	_, err := ReadMessage(bytes.NewReader(bs))
	if err == nil || !strings.Contains(err.Error(), "magic") {
		t.Errorf("expected magic mismatch error, got %v", err)
	}
}
