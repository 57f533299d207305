// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"encoding/binary"
	"time"

	"github.com/syncthing/stget/lib/protocol"
)

// File flag bits, packed into the flags column.
const (
	FlagDeleted       = 1 << 0
	FlagInvalid       = 1 << 1
	FlagNoPermissions = 1 << 2
)

// SyncMode says how much of a directory we keep locally cached.
type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncDownload
	SyncFull
)

type Folder struct {
	ID       int64  `db:"id"`
	IDString string `db:"id_string"`
	Label    string `db:"label"`
	Path     string `db:"path"`
	Flags    int64  `db:"flags"`
}

type Device struct {
	ID                  int64  `db:"id"`
	DeviceID            []byte `db:"device_id"`
	FolderID            int64  `db:"folder_id"`
	Name                string `db:"name"`
	Addresses           string `db:"addresses"`
	MaxSequence         int64  `db:"max_sequence"`
	MaxSequenceInternal int64  `db:"max_sequence_internal"`
	IndexID             []byte `db:"index_id"`
}

type Directory struct {
	ID          int64  `db:"id"`
	FolderID    int64  `db:"folder_id"`
	Name        string `db:"name"`
	Permissions int64  `db:"permissions"`
	ModifiedS   int64  `db:"modified_s"`
	ModifiedNs  int64  `db:"modified_ns"`
	ModifiedBy  []byte `db:"modified_by"`
	Flags       int64  `db:"flags"`
	Sequence    int64  `db:"sequence"`
	Version     string `db:"version"`
	Sync        int64  `db:"sync"`
}

type File struct {
	ID            int64  `db:"id"`
	DirectoryID   int64  `db:"directory_id"`
	Name          string `db:"name"`
	Type          int64  `db:"type"`
	Size          int64  `db:"size"`
	Permissions   int64  `db:"permissions"`
	ModifiedS     int64  `db:"modified_s"`
	ModifiedNs    int64  `db:"modified_ns"`
	ModifiedBy    []byte `db:"modified_by"`
	Flags         int64  `db:"flags"`
	Sequence      int64  `db:"sequence"`
	BlockSize     int64  `db:"block_size"`
	Version       string `db:"version"`
	SymlinkTarget string `db:"symlink_target"`
	Sync          int64  `db:"sync"`
}

// Block cached states.
const (
	BlockAbsent  = 0
	BlockPresent = 1
	BlockStale   = 2
)

type Block struct {
	ID     int64  `db:"id"`
	FileID int64  `db:"file_id"`
	Offset int64  `db:"offset"`
	Size   int64  `db:"size"`
	Hash   []byte `db:"hash"`
	Cached int64  `db:"cached"`
}

// A BlockRequest identifies one block of one file, with everything needed
// to request it from the peer, verify it and file it in the cache.
type BlockRequest struct {
	Folder  string
	Name    string // folder relative, no leading slash
	FileID  int64
	BlockID int64
	Offset  int64
	Size    int64
	Hash    []byte
	Cached  int64
}

// EntryType mirrors the wire level file type for listings.
type EntryType int

const (
	EntryTypeFile      EntryType = 0
	EntryTypeDirectory EntryType = 1
	EntryTypeSymlink   EntryType = 4
)

// A ListEntry is one row of a directory listing, or the attributes of a
// single file or directory.
type ListEntry struct {
	Type        EntryType
	Name        string
	Size        int64
	Permissions uint32
	Modified    time.Time
	ModifiedBy  []byte
}

func packFlags(f protocol.FileInfo) int64 {
	var flags int64
	if f.Deleted {
		flags |= FlagDeleted
	}
	if f.Invalid {
		flags |= FlagInvalid
	}
	if f.NoPermissions {
		flags |= FlagNoPermissions
	}
	return flags
}

// modifiedByBytes boxes the wire level 64 bit modified-by ID as eight raw
// big endian bytes for storage.
func modifiedByBytes(v uint64) []byte {
	bs := make([]byte, 8)
	binary.BigEndian.PutUint64(bs, v)
	return bs
}
