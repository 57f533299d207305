// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const HelloMessageMagic uint32 = 0x2EA7D90B

// ErrUnknownMagic is returned by ExchangeHello when the other side speaks
// something other than the expected protocol version.
var ErrUnknownMagic = errors.New("the remote device speaks an unknown version of the protocol")

// ExchangeHello writes our Hello and reads the peer's over the freshly
// secured stream. No header framed traffic may pass before both sides
// have done so.
func ExchangeHello(c io.ReadWriter, h Hello) (Hello, error) {
	if err := writeHello(c, h); err != nil {
		return Hello{}, err
	}
	return readHello(c)
}

func readHello(c io.Reader) (Hello, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(c, header); err != nil {
		return Hello{}, err
	}

	if magic := binary.BigEndian.Uint32(header); magic != HelloMessageMagic {
		return Hello{}, fmt.Errorf("%w (magic %08x)", ErrUnknownMagic, magic)
	}

	msgSize := binary.BigEndian.Uint16(header[4:])
	buf := make([]byte, msgSize)
	if _, err := io.ReadFull(c, buf); err != nil {
		return Hello{}, err
	}

	var hello Hello
	if err := hello.unmarshal(buf); err != nil {
		return Hello{}, err
	}
	return hello, nil
}

func writeHello(c io.Writer, h Hello) error {
	msg := h.marshal()
	if len(msg) > 1<<16-1 {
		// The Hello message must be small enough to fit in the length field.
		panic("impossibly large hello message")
	}

	buf := make([]byte, 6+len(msg))
	binary.BigEndian.PutUint32(buf, HelloMessageMagic)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(msg)))
	copy(buf[6:], msg)

	_, err := c.Write(buf)
	return err
}
