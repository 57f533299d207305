// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wire format is protobuf. The field numbers below match the BEP
// protocol buffer schema; fields we do not act on (encryption tokens,
// platform data, download progress details) are skipped on decode and
// never sent.

type wireMessage interface {
	marshal() []byte
}

// marshalMessage returns the wire form of msg along with its header type.
func marshalMessage(msg wireMessage) ([]byte, MessageType, error) {
	switch msg.(type) {
	case *ClusterConfig:
		return msg.marshal(), messageTypeClusterConfig, nil
	case *Index:
		return msg.marshal(), messageTypeIndex, nil
	case *IndexUpdate:
		return msg.marshal(), messageTypeIndexUpdate, nil
	case *Request:
		return msg.marshal(), messageTypeRequest, nil
	case *Response:
		return msg.marshal(), messageTypeResponse, nil
	case *DownloadProgress:
		return msg.marshal(), messageTypeDownloadProgress, nil
	case *Ping:
		return msg.marshal(), messageTypePing, nil
	case *Close:
		return msg.marshal(), messageTypeClose, nil
	default:
		return nil, 0, errUnknownMessage
	}
}

// unmarshalMessage decodes a payload of the type given by the header.
// Unknown message types return errUnknownMessage; the caller drops them.
func unmarshalMessage(t MessageType, buf []byte) (any, error) {
	switch t {
	case messageTypeClusterConfig:
		msg := new(ClusterConfig)
		return msg, msg.unmarshal(buf)
	case messageTypeIndex:
		msg := new(Index)
		return msg, msg.unmarshal(buf)
	case messageTypeIndexUpdate:
		msg := new(IndexUpdate)
		return msg, msg.unmarshal(buf)
	case messageTypeRequest:
		msg := new(Request)
		return msg, msg.unmarshal(buf)
	case messageTypeResponse:
		msg := new(Response)
		return msg, msg.unmarshal(buf)
	case messageTypeDownloadProgress:
		msg := new(DownloadProgress)
		return msg, msg.unmarshal(buf)
	case messageTypePing:
		msg := new(Ping)
		return msg, msg.unmarshal(buf)
	case messageTypeClose:
		msg := new(Close)
		return msg, msg.unmarshal(buf)
	default:
		return nil, errUnknownMessage
	}
}

// Append helpers. Zero values are omitted, as per proto3.

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendEmbedded(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// fieldError wraps a protowire parse error with message context.
func fieldError(msg string, n int) error {
	return fmt.Errorf("unmarshalling %s: %w", msg, protowire.ParseError(n))
}

// skipField consumes and discards an unknown field.
func skipField(b []byte, num protowire.Number, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

// Header

func (h *Header) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(h.Type))
	b = appendVarint(b, 2, uint64(h.Compression))
	return b
}

func (h *Header) unmarshal(buf []byte) error {
	*h = Header{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("header", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("header", n)
			}
			h.Type = MessageType(v)
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("header", n)
			}
			h.Compression = MessageCompression(v)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling header: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

// Hello

func (h *Hello) marshal() []byte {
	var b []byte
	b = appendString(b, 1, h.DeviceName)
	b = appendString(b, 2, h.ClientName)
	b = appendString(b, 3, h.ClientVersion)
	return b
}

func (h *Hello) unmarshal(buf []byte) error {
	*h = Hello{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("hello", n)
		}
		buf = buf[n:]
		switch num {
		case 1, 2, 3:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("hello", n)
			}
			switch num {
			case 1:
				h.DeviceName = v
			case 2:
				h.ClientName = v
			case 3:
				h.ClientVersion = v
			}
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling hello: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

// ClusterConfig

func (c *ClusterConfig) marshal() []byte {
	var b []byte
	for i := range c.Folders {
		b = appendEmbedded(b, 1, c.Folders[i].marshal())
	}
	return b
}

func (c *ClusterConfig) unmarshal(buf []byte) error {
	*c = ClusterConfig{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("cluster-config", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("cluster-config", n)
			}
			var f Folder
			if err := f.unmarshal(v); err != nil {
				return err
			}
			c.Folders = append(c.Folders, f)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling cluster-config: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

func (f *Folder) marshal() []byte {
	var b []byte
	b = appendString(b, 1, f.ID)
	b = appendString(b, 2, f.Label)
	for i := range f.Devices {
		b = appendEmbedded(b, 16, f.Devices[i].marshal())
	}
	return b
}

func (f *Folder) unmarshal(buf []byte) error {
	*f = Folder{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("folder", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("folder", n)
			}
			f.ID = v
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("folder", n)
			}
			f.Label = v
			buf = buf[n:]
		case 16:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("folder", n)
			}
			var d Device
			if err := d.unmarshal(v); err != nil {
				return err
			}
			f.Devices = append(f.Devices, d)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling folder: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

func (d *Device) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, d.ID[:])
	b = appendString(b, 2, d.Name)
	for _, addr := range d.Addresses {
		b = appendString(b, 3, addr)
	}
	b = appendVarint(b, 6, uint64(d.MaxSequence))
	b = appendVarint(b, 8, uint64(d.IndexID))
	return b
}

func (d *Device) unmarshal(buf []byte) error {
	*d = Device{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("device", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("device", n)
			}
			id, err := DeviceIDFromBytes(v)
			if err != nil {
				return err
			}
			d.ID = id
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("device", n)
			}
			d.Name = v
			buf = buf[n:]
		case 3:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("device", n)
			}
			d.Addresses = append(d.Addresses, v)
			buf = buf[n:]
		case 6:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("device", n)
			}
			d.MaxSequence = int64(v)
			buf = buf[n:]
		case 8:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("device", n)
			}
			d.IndexID = IndexID(v)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling device: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

// Index, IndexUpdate

func marshalIndex(folder string, files []FileInfo) []byte {
	var b []byte
	b = appendString(b, 1, folder)
	for i := range files {
		b = appendEmbedded(b, 2, files[i].marshal())
	}
	return b
}

func unmarshalIndex(buf []byte) (string, []FileInfo, error) {
	var folder string
	var files []FileInfo
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", nil, fieldError("index", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return "", nil, fieldError("index", n)
			}
			folder = v
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return "", nil, fieldError("index", n)
			}
			var f FileInfo
			if err := f.unmarshal(v); err != nil {
				return "", nil, err
			}
			files = append(files, f)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return "", nil, fmt.Errorf("unmarshalling index: %w", err)
			}
			buf = buf[n:]
		}
	}
	return folder, files, nil
}

func (m *Index) marshal() []byte { return marshalIndex(m.Folder, m.Files) }

func (m *Index) unmarshal(buf []byte) (err error) {
	m.Folder, m.Files, err = unmarshalIndex(buf)
	return err
}

func (m *IndexUpdate) marshal() []byte { return marshalIndex(m.Folder, m.Files) }

func (m *IndexUpdate) unmarshal(buf []byte) (err error) {
	m.Folder, m.Files, err = unmarshalIndex(buf)
	return err
}

func (f *FileInfo) marshal() []byte {
	var b []byte
	b = appendString(b, 1, f.Name)
	b = appendVarint(b, 2, uint64(f.Type))
	b = appendVarint(b, 3, uint64(f.Size))
	b = appendVarint(b, 4, uint64(f.Permissions))
	b = appendVarint(b, 5, uint64(f.ModifiedS))
	b = appendBool(b, 6, f.Deleted)
	b = appendBool(b, 7, f.Invalid)
	b = appendBool(b, 8, f.NoPermissions)
	if len(f.Version.Counters) > 0 {
		b = appendEmbedded(b, 9, f.Version.marshal())
	}
	b = appendVarint(b, 10, uint64(f.Sequence))
	b = appendVarint(b, 11, uint64(f.ModifiedNs))
	b = appendVarint(b, 12, f.ModifiedBy)
	b = appendVarint(b, 13, uint64(f.BlockSize))
	for i := range f.Blocks {
		b = appendEmbedded(b, 16, f.Blocks[i].marshal())
	}
	b = appendString(b, 17, f.SymlinkTarget)
	return b
}

func (f *FileInfo) unmarshal(buf []byte) error {
	*f = FileInfo{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("fileinfo", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("fileinfo", n)
			}
			f.Name = v
			buf = buf[n:]
		case 2, 3, 4, 5, 6, 7, 8, 10, 11, 12, 13:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("fileinfo", n)
			}
			switch num {
			case 2:
				f.Type = FileInfoType(v)
			case 3:
				f.Size = int64(v)
			case 4:
				f.Permissions = uint32(v)
			case 5:
				f.ModifiedS = int64(v)
			case 6:
				f.Deleted = v != 0
			case 7:
				f.Invalid = v != 0
			case 8:
				f.NoPermissions = v != 0
			case 10:
				f.Sequence = int64(v)
			case 11:
				f.ModifiedNs = int32(v)
			case 12:
				f.ModifiedBy = v
			case 13:
				f.BlockSize = int32(v)
			}
			buf = buf[n:]
		case 9:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("fileinfo", n)
			}
			if err := f.Version.unmarshal(v); err != nil {
				return err
			}
			buf = buf[n:]
		case 16:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("fileinfo", n)
			}
			var bl BlockInfo
			if err := bl.unmarshal(v); err != nil {
				return err
			}
			f.Blocks = append(f.Blocks, bl)
			buf = buf[n:]
		case 17:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("fileinfo", n)
			}
			f.SymlinkTarget = v
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling fileinfo: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

func (b *BlockInfo) marshal() []byte {
	var bs []byte
	bs = appendVarint(bs, 1, uint64(b.Offset))
	bs = appendVarint(bs, 2, uint64(b.Size))
	bs = appendBytes(bs, 3, b.Hash)
	bs = appendVarint(bs, 4, uint64(b.WeakHash))
	return bs
}

func (b *BlockInfo) unmarshal(buf []byte) error {
	*b = BlockInfo{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("blockinfo", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("blockinfo", n)
			}
			b.Offset = int64(v)
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("blockinfo", n)
			}
			b.Size = int32(v)
			buf = buf[n:]
		case 3:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("blockinfo", n)
			}
			b.Hash = append([]byte(nil), v...)
			buf = buf[n:]
		case 4:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("blockinfo", n)
			}
			b.WeakHash = uint32(v)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling blockinfo: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

func (v *Vector) marshal() []byte {
	var b []byte
	for _, c := range v.Counters {
		var cb []byte
		cb = appendVarint(cb, 1, c.ID)
		cb = appendVarint(cb, 2, c.Value)
		b = appendEmbedded(b, 1, cb)
	}
	return b
}

func (v *Vector) unmarshal(buf []byte) error {
	*v = Vector{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("vector", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			cb, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("vector", n)
			}
			var c Counter
			for len(cb) > 0 {
				cnum, ctyp, cn := protowire.ConsumeTag(cb)
				if cn < 0 {
					return fieldError("counter", cn)
				}
				cb = cb[cn:]
				switch cnum {
				case 1, 2:
					cv, cn := protowire.ConsumeVarint(cb)
					if cn < 0 {
						return fieldError("counter", cn)
					}
					if cnum == 1 {
						c.ID = cv
					} else {
						c.Value = cv
					}
					cb = cb[cn:]
				default:
					cn, err := skipField(cb, cnum, ctyp)
					if err != nil {
						return fmt.Errorf("unmarshalling counter: %w", err)
					}
					cb = cb[cn:]
				}
			}
			v.Counters = append(v.Counters, c)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling vector: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

// Request, Response

func (r *Request) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.ID))
	b = appendString(b, 2, r.Folder)
	b = appendString(b, 3, r.Name)
	b = appendVarint(b, 4, uint64(r.Offset))
	b = appendVarint(b, 5, uint64(r.Size))
	b = appendBytes(b, 6, r.Hash)
	b = appendBool(b, 7, r.FromTemporary)
	return b
}

func (r *Request) unmarshal(buf []byte) error {
	*r = Request{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("request", n)
		}
		buf = buf[n:]
		switch num {
		case 1, 4, 5, 7:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("request", n)
			}
			switch num {
			case 1:
				r.ID = int64(v)
			case 4:
				r.Offset = int64(v)
			case 5:
				r.Size = int32(v)
			case 7:
				r.FromTemporary = v != 0
			}
			buf = buf[n:]
		case 2, 3:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("request", n)
			}
			if num == 2 {
				r.Folder = v
			} else {
				r.Name = v
			}
			buf = buf[n:]
		case 6:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("request", n)
			}
			r.Hash = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling request: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

func (r *Response) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.ID))
	b = appendBytes(b, 2, r.Data)
	b = appendVarint(b, 3, uint64(r.Code))
	return b
}

func (r *Response) unmarshal(buf []byte) error {
	*r = Response{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("response", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("response", n)
			}
			r.ID = int64(v)
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fieldError("response", n)
			}
			r.Data = append([]byte(nil), v...)
			buf = buf[n:]
		case 3:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fieldError("response", n)
			}
			r.Code = ErrorCode(v)
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling response: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

// DownloadProgress, Ping, Close

func (d *DownloadProgress) marshal() []byte {
	return appendString(nil, 1, d.Folder)
}

func (d *DownloadProgress) unmarshal(buf []byte) error {
	*d = DownloadProgress{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("download-progress", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("download-progress", n)
			}
			d.Folder = v
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling download-progress: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

func (*Ping) marshal() []byte { return nil }

func (*Ping) unmarshal([]byte) error { return nil }

func (c *Close) marshal() []byte {
	return appendString(nil, 1, c.Reason)
}

func (c *Close) unmarshal(buf []byte) error {
	*c = Close{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fieldError("close", n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return fieldError("close", n)
			}
			c.Reason = v
			buf = buf[n:]
		default:
			n, err := skipField(buf, num, typ)
			if err != nil {
				return fmt.Errorf("unmarshalling close: %w", err)
			}
			buf = buf[n:]
		}
	}
	return nil
}
