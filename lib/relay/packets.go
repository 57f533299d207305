// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/calmh/xdr"
)

const (
	magic        = 0x9E79BC40
	ProtocolName = "bep-relay"
)

const (
	messageTypeJoinSessionRequest = 3
	messageTypeResponse           = 4
	messageTypeConnectRequest     = 5
	messageTypeSessionInvitation  = 6
)

const (
	ResponseSuccess = 0
)

// A ConnectRequest asks the relay for a session with the given device.
type ConnectRequest struct {
	ID []byte // 32 byte device ID
}

// A SessionInvitation tells us where and with what key to join a session.
type SessionInvitation struct {
	From         []byte
	Key          []byte
	Address      []byte
	Port         uint16
	ServerSocket bool
}

// A JoinSessionRequest presents the invitation key on the session port.
type JoinSessionRequest struct {
	Key []byte
}

// A Response is the relay's verdict on a request.
type Response struct {
	Code    int32
	Message string
}

func bytesFieldSize(b []byte) int {
	return 4 + len(b) + xdr.Padding(len(b))
}

func stringFieldSize(s string) int {
	return 4 + len(s) + xdr.Padding(len(s))
}

func (o ConnectRequest) xdrSize() int {
	return bytesFieldSize(o.ID)
}

func (o ConnectRequest) encodeXDR(xw *xdr.Marshaller) (int, error) {
	xw.MarshalBytes(o.ID)
	return len(xw.Data), xw.Error
}

func (o *ConnectRequest) decodeXDR(xr *xdr.Unmarshaller) error {
	o.ID = xr.UnmarshalBytesMax(32)
	return xr.Error
}

func (o SessionInvitation) xdrSize() int {
	return bytesFieldSize(o.From) + bytesFieldSize(o.Key) + bytesFieldSize(o.Address) + 4 + 4
}

func (o SessionInvitation) encodeXDR(xw *xdr.Marshaller) (int, error) {
	xw.MarshalBytes(o.From)
	xw.MarshalBytes(o.Key)
	xw.MarshalBytes(o.Address)
	xw.MarshalUint32(uint32(o.Port))
	xw.MarshalBool(o.ServerSocket)
	return len(xw.Data), xw.Error
}

func (o *SessionInvitation) decodeXDR(xr *xdr.Unmarshaller) error {
	o.From = xr.UnmarshalBytesMax(32)
	o.Key = xr.UnmarshalBytesMax(32)
	o.Address = xr.UnmarshalBytesMax(32)
	o.Port = uint16(xr.UnmarshalUint32())
	o.ServerSocket = xr.UnmarshalBool()
	return xr.Error
}

func (o JoinSessionRequest) xdrSize() int {
	return bytesFieldSize(o.Key)
}

func (o JoinSessionRequest) encodeXDR(xw *xdr.Marshaller) (int, error) {
	xw.MarshalBytes(o.Key)
	return len(xw.Data), xw.Error
}

func (o *JoinSessionRequest) decodeXDR(xr *xdr.Unmarshaller) error {
	o.Key = xr.UnmarshalBytesMax(32)
	return xr.Error
}

func (o Response) xdrSize() int {
	return 4 + stringFieldSize(o.Message)
}

func (o Response) encodeXDR(xw *xdr.Marshaller) (int, error) {
	xw.MarshalUint32(uint32(o.Code))
	xw.MarshalString(o.Message)
	return len(xw.Data), xw.Error
}

func (o *Response) decodeXDR(xr *xdr.Unmarshaller) error {
	o.Code = int32(xr.UnmarshalUint32())
	o.Message = xr.UnmarshalStringMax(1024)
	return xr.Error
}

// WriteMessage frames and writes one relay message: magic, type and
// payload length as big endian uint32, then the XDR encoded payload.
func WriteMessage(w io.Writer, message any) error {
	var messageType uint32
	var size int
	switch msg := message.(type) {
	case ConnectRequest:
		messageType = messageTypeConnectRequest
		size = msg.xdrSize()
	case JoinSessionRequest:
		messageType = messageTypeJoinSessionRequest
		size = msg.xdrSize()
	case SessionInvitation:
		messageType = messageTypeSessionInvitation
		size = msg.xdrSize()
	case Response:
		messageType = messageTypeResponse
		size = msg.xdrSize()
	default:
		return fmt.Errorf("unknown message type %T", message)
	}

	xw := &xdr.Marshaller{Data: make([]byte, size)}
	var err error
	switch msg := message.(type) {
	case ConnectRequest:
		_, err = msg.encodeXDR(xw)
	case JoinSessionRequest:
		_, err = msg.encodeXDR(xw)
	case SessionInvitation:
		_, err = msg.encodeXDR(xw)
	case Response:
		_, err = msg.encodeXDR(xw)
	}
	if err != nil {
		return err
	}

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header, magic)
	binary.BigEndian.PutUint32(header[4:], messageType)
	binary.BigEndian.PutUint32(header[8:], uint32(len(xw.Data)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(xw.Data)
	return err
}

// ReadMessage reads and decodes one relay message.
func ReadMessage(r io.Reader) (any, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if m := binary.BigEndian.Uint32(header); m != magic {
		return nil, fmt.Errorf("relay magic mismatch %08x", m)
	}
	messageType := binary.BigEndian.Uint32(header[4:])
	length := binary.BigEndian.Uint32(header[8:])
	if length > 1<<16 {
		return nil, fmt.Errorf("relay message length %d out of bounds", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	xr := &xdr.Unmarshaller{Data: payload}

	switch messageType {
	case messageTypeConnectRequest:
		var msg ConnectRequest
		err := msg.decodeXDR(xr)
		return msg, err
	case messageTypeJoinSessionRequest:
		var msg JoinSessionRequest
		err := msg.decodeXDR(xr)
		return msg, err
	case messageTypeSessionInvitation:
		var msg SessionInvitation
		err := msg.decodeXDR(xr)
		return msg, err
	case messageTypeResponse:
		var msg Response
		err := msg.decodeXDR(xr)
		return msg, err
	default:
		return nil, fmt.Errorf("unknown relay message type %d", messageType)
	}
}
