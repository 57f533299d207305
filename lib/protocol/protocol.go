// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol implements the consuming side of the Block Exchange
// Protocol: device identities, the hello handshake, message framing and
// the per-connection read/dispatch/write loops.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lz4 "github.com/pierrec/lz4/v4"
)

const (
	// MaxMessageLen is the largest message size allowed on the wire. (500 MB)
	MaxMessageLen = 500 * 1000 * 1000

	// PingInterval is how often we send a ping when nothing else has been
	// written.
	PingInterval = 90 * time.Second

	// ReceiveTimeout is the longest we'll wait for a message from the
	// other side before closing the connection.
	ReceiveTimeout = 270 * time.Second
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrTimeout        = errors.New("read timeout")
	errUnknownMessage = errors.New("unknown message")
	errNotReady       = errors.New("message before cluster config exchange")
)

var l = slog.With("pkg", "protocol")

const (
	stateInitial = iota
	stateReady
)

// Model receives the decoded messages from the connection. The cluster
// config callback fires before any other message is delivered; the
// connection enforces that ordering and closes on violations.
type Model interface {
	ClusterConfig(cc *ClusterConfig) error
	Index(idx *Index) error
	IndexUpdate(idxUp *IndexUpdate) error
	Response(resp *Response)
	Closed(err error)
}

// Connection is the send side of an established BEP session.
type Connection interface {
	Start()
	ClusterConfig(cc *ClusterConfig)
	SendRequest(req *Request) error
	Close(err error)
	DeviceID() DeviceID
	Closed() <-chan struct{}
	Statistics() Statistics
}

type rawConnection struct {
	deviceID DeviceID
	model    Model

	cr     *countingReader
	cw     *countingWriter
	closer io.Closer

	inbox     chan any
	outbox    chan asyncMessage
	closeBox  chan asyncMessage
	closed    chan struct{}
	closeOnce sync.Once
	loopWG    sync.WaitGroup
}

type asyncMessage struct {
	msg  wireMessage
	done chan struct{}
}

// NewConnection wraps a secured, hello-exchanged stream in the framed
// message layer. Start must be called before any messages flow.
func NewConnection(deviceID DeviceID, reader io.Reader, writer io.Writer, closer io.Closer, model Model) Connection {
	return &rawConnection{
		deviceID: deviceID,
		model:    model,
		cr:       &countingReader{Reader: reader},
		cw:       &countingWriter{Writer: writer},
		closer:   closer,
		inbox:    make(chan any),
		outbox:   make(chan asyncMessage),
		closeBox: make(chan asyncMessage),
		closed:   make(chan struct{}),
	}
}

func (c *rawConnection) Start() {
	now := time.Now().UnixNano()
	c.cr.last.Store(now)
	c.cw.last.Store(now)

	c.loopWG.Add(4)
	go func() {
		c.readerLoop()
		c.loopWG.Done()
	}()
	go func() {
		err := c.dispatcherLoop()
		c.Close(err)
		c.loopWG.Done()
	}()
	go func() {
		c.writerLoop()
		c.loopWG.Done()
	}()
	go func() {
		c.pingerLoop()
		c.loopWG.Done()
	}()
}

func (c *rawConnection) DeviceID() DeviceID {
	return c.deviceID
}

func (c *rawConnection) Closed() <-chan struct{} {
	return c.closed
}

// ClusterConfig queues our cluster config message for sending.
func (c *rawConnection) ClusterConfig(cc *ClusterConfig) {
	c.send(cc, nil)
}

// SendRequest queues a block request. Correlation of the response happens
// in the scheduler, by request ID.
func (c *rawConnection) SendRequest(req *Request) error {
	if !c.send(req, nil) {
		return ErrClosed
	}
	return nil
}

func (c *rawConnection) ping() bool {
	return c.send(&Ping{}, nil)
}

func (c *rawConnection) send(msg wireMessage, done chan struct{}) bool {
	select {
	case c.outbox <- asyncMessage{msg, done}:
		return true
	case <-c.closed:
	}
	if done != nil {
		close(done)
	}
	return false
}

func (c *rawConnection) readerLoop() {
	fourByteBuf := make([]byte, 4)
	for {
		msg, err := c.readMessage(fourByteBuf)
		if err != nil {
			if errors.Is(err, errUnknownMessage) {
				// Unknown message types are skipped, for future
				// extensibility.
				continue
			}
			c.internalClose(err)
			return
		}
		select {
		case c.inbox <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *rawConnection) dispatcherLoop() error {
	state := stateInitial
	for {
		var msg any
		select {
		case msg = <-c.inbox:
		case <-c.closed:
			return ErrClosed
		}

		switch msg.(type) {
		case *ClusterConfig:
			if state == stateInitial {
				state = stateReady
			}
		case *Close:
			return fmt.Errorf("closed by remote: %v", msg.(*Close).Reason)
		case *Ping:
			continue
		default:
			if state != stateReady {
				return errNotReady
			}
		}

		var err error
		switch msg := msg.(type) {
		case *ClusterConfig:
			err = c.model.ClusterConfig(msg)

		case *Index:
			l.Debug("handling index", "folder", msg.Folder, "files", len(msg.Files))
			err = c.model.Index(msg)

		case *IndexUpdate:
			l.Debug("handling index update", "folder", msg.Folder, "files", len(msg.Files))
			err = c.model.IndexUpdate(msg)

		case *Request:
			// We are a consumer only and serve no data.
			c.send(&Response{ID: msg.ID, Code: ErrorCodeGeneric}, nil)

		case *Response:
			c.model.Response(msg)

		case *DownloadProgress:
			// Nothing to do with progress reports for a read-only client.
		}
		if err != nil {
			return err
		}
	}
}

func (c *rawConnection) readMessage(fourByteBuf []byte) (any, error) {
	hdr, err := c.readHeader(fourByteBuf)
	if err != nil {
		return nil, err
	}

	// First comes a four byte message length.

	if _, err := io.ReadFull(c.cr, fourByteBuf[:4]); err != nil {
		return nil, fmt.Errorf("reading message length: %w", err)
	}
	msgLen := int32(binary.BigEndian.Uint32(fourByteBuf))
	if msgLen < 0 {
		return nil, fmt.Errorf("negative message length %d", msgLen)
	} else if msgLen > MaxMessageLen {
		return nil, fmt.Errorf("message length %d exceeds maximum %d", msgLen, MaxMessageLen)
	}

	// Then the message, which might be compressed.

	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(c.cr, buf); err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	switch hdr.Compression {
	case CompressionNone:

	case CompressionLZ4:
		buf, err = lz4Decompress(buf)
		if err != nil {
			return nil, fmt.Errorf("decompressing message: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown message compression %d", hdr.Compression)
	}

	msg, err := unmarshalMessage(hdr.Type, buf)
	if err != nil {
		if errors.Is(err, errUnknownMessage) {
			l.Debug("skipping message of unknown type", "type", hdr.Type)
		}
		return nil, err
	}
	return msg, nil
}

func (c *rawConnection) readHeader(fourByteBuf []byte) (Header, error) {
	// First comes a two byte header length.

	if _, err := io.ReadFull(c.cr, fourByteBuf[:2]); err != nil {
		return Header{}, fmt.Errorf("reading length: %w", err)
	}
	hdrLen := int16(binary.BigEndian.Uint16(fourByteBuf))
	if hdrLen < 0 {
		return Header{}, fmt.Errorf("negative header length %d", hdrLen)
	}

	// Then the header.

	buf := make([]byte, hdrLen)
	if _, err := io.ReadFull(c.cr, buf); err != nil {
		return Header{}, fmt.Errorf("reading header: %w", err)
	}

	var hdr Header
	if err := hdr.unmarshal(buf); err != nil {
		return Header{}, fmt.Errorf("unmarshalling header: %w", err)
	}
	return hdr, nil
}

func (c *rawConnection) writerLoop() {
	for {
		select {
		case hm := <-c.closeBox:
			_ = c.writeMessage(hm.msg)
			close(hm.done)
			return

		case hm := <-c.outbox:
			err := c.writeMessage(hm.msg)
			if hm.done != nil {
				close(hm.done)
			}
			if err != nil {
				c.internalClose(err)
				return
			}

		case <-c.closed:
			return
		}
	}
}

// writeMessage frames and writes one message. Outgoing messages are never
// compressed; the data we send is small and the peer decompresses only
// what we mark.
func (c *rawConnection) writeMessage(msg wireMessage) error {
	body, typ, err := marshalMessage(msg)
	if err != nil {
		return err
	}

	hdr := Header{Type: typ}
	hdrBytes := hdr.marshal()
	if len(hdrBytes) > 1<<16-1 {
		panic("impossibly large header")
	}

	overhead := 2 + len(hdrBytes) + 4
	buf := make([]byte, overhead+len(body))

	binary.BigEndian.PutUint16(buf, uint16(len(hdrBytes)))
	copy(buf[2:], hdrBytes)
	binary.BigEndian.PutUint32(buf[2+len(hdrBytes):], uint32(len(body)))
	copy(buf[overhead:], body)

	n, err := c.cw.Write(buf)
	l.Debug("wrote message", "type", typ, "bytes", n)
	if err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close sends the BEP close message, then tears the connection down.
func (c *rawConnection) Close(err error) {
	reason := "closing"
	if err != nil {
		reason = err.Error()
	}
	done := make(chan struct{})
	timeout := time.NewTimer(time.Second)
	defer timeout.Stop()
	select {
	case c.closeBox <- asyncMessage{&Close{Reason: reason}, done}:
		select {
		case <-done:
		case <-timeout.C:
		case <-c.closed:
		}
	case <-timeout.C:
	case <-c.closed:
	}
	c.internalClose(err)
}

func (c *rawConnection) internalClose(err error) {
	c.closeOnce.Do(func() {
		l.Debug("closing connection", "device", c.deviceID.Short(), "err", err)
		if cerr := c.closer.Close(); cerr != nil {
			l.Debug("failed to close underlying conn", "err", cerr)
		}
		close(c.closed)
		c.model.Closed(err)
	})
}

// The pingerLoop makes sure something is sent periodically, and that
// something has been received recently enough. Quiet peers get a ping;
// silent ones get disconnected.
func (c *rawConnection) pingerLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if d := time.Since(c.cr.Last()); d > ReceiveTimeout {
				c.internalClose(ErrTimeout)
				return
			}
			if d := time.Since(c.cw.Last()); d >= PingInterval {
				c.ping()
			}

		case <-c.closed:
			return
		}
	}
}

type Statistics struct {
	At            time.Time
	InBytesTotal  int64
	OutBytesTotal int64
}

func (c *rawConnection) Statistics() Statistics {
	return Statistics{
		At:            time.Now().Truncate(time.Second),
		InBytesTotal:  c.cr.Tot(),
		OutBytesTotal: c.cw.Tot(),
	}
}

func lz4Decompress(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, errors.New("compressed payload too short")
	}
	// The compressed block is prefixed by the size of the uncompressed
	// data, in big endian.
	size := binary.BigEndian.Uint32(src)
	if size > MaxMessageLen {
		return nil, fmt.Errorf("decompressed length %d exceeds maximum %d", size, MaxMessageLen)
	}
	buf := make([]byte, size)
	n, err := lz4.UncompressBlock(src[4:], buf)
	if err != nil {
		return nil, err
	}
	if n != int(size) {
		return nil, fmt.Errorf("decompressed %d bytes, expected %d", n, size)
	}
	return buf, nil
}

func lz4Compress(src []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, buf[4:], nil)
	if err != nil {
		return nil, err
	} else if n == 0 {
		return nil, errors.New("not compressible")
	}
	binary.BigEndian.PutUint32(buf, uint32(len(src)))
	return buf[:4+n], nil
}
