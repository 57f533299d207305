// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package blockcache stores verified blocks on disk, one file per block
// at <root>/<folder>/<fileID>/<offset>, with a small in-memory LRU of hot
// blocks in front. Disk content is hashed on every read; whatever fails
// verification is reported as absent so the caller re-requests.
package blockcache

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memBlocks is the number of recently used blocks kept in memory.
const memBlocks = 64

var l = slog.With("pkg", "blockcache")

type Cache struct {
	root string
	mem  *lru.Cache[string, []byte]
}

func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	mem, err := lru.New[string, []byte](memBlocks)
	if err != nil {
		return nil, err
	}
	return &Cache{root: root, mem: mem}, nil
}

func (c *Cache) blockPath(folder string, fileID, offset int64) string {
	return filepath.Join(c.root, folder, strconv.FormatInt(fileID, 10), strconv.FormatInt(offset, 10))
}

func memKey(folder string, fileID, offset int64) string {
	return folder + "/" + strconv.FormatInt(fileID, 10) + "/" + strconv.FormatInt(offset, 10)
}

// WriteBlock stores a verified block. Intermediate directories are
// created as needed and the file is fully written or not at all visible
// as current.
func (c *Cache) WriteBlock(folder string, fileID, offset int64, data []byte) error {
	path := c.blockPath(folder, fileID, offset)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating block directory: %w", err)
	}

	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening block file: %w", err)
	}
	if _, err := fd.Write(data); err != nil {
		fd.Close()
		return fmt.Errorf("writing block file: %w", err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("closing block file: %w", err)
	}

	c.mem.Add(memKey(folder, fileID, offset), data)
	return nil
}

// ReadBlock returns the block's bytes when present and matching the
// expected hash, and nil when the block is absent or fails verification.
func (c *Cache) ReadBlock(folder string, fileID, offset int64, expectedSize int64, expectedHash []byte) ([]byte, error) {
	key := memKey(folder, fileID, offset)
	if data, ok := c.mem.Get(key); ok {
		hash := sha256.Sum256(data)
		if bytes.Equal(hash[:], expectedHash) {
			return data, nil
		}
		// The authoritative hash moved on; this memory entry is dead.
		c.mem.Remove(key)
	}

	fd, err := os.Open(c.blockPath(folder, fileID, offset))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("opening block file: %w", err)
	}
	defer fd.Close()

	data := make([]byte, expectedSize)
	n, err := io.ReadFull(fd, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading block file: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	data = data[:n]

	hash := sha256.Sum256(data)
	if !bytes.Equal(hash[:], expectedHash) {
		l.Debug("cached block failed verification", "folder", folder, "file", fileID, "offset", offset)
		return nil, nil
	}

	c.mem.Add(key, data)
	return data, nil
}

// Remove deletes the block's cache file, if any.
func (c *Cache) Remove(folder string, fileID, offset int64) error {
	c.mem.Remove(memKey(folder, fileID, offset))
	err := os.Remove(c.blockPath(folder, fileID, offset))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
