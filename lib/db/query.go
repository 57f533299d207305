// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"database/sql"
	"errors"
	"path"
	"strings"
	"time"
)

// splitFolderPath separates "/folder/some/path" into the folder name and
// the folder relative remainder ("some/path", possibly empty).
func splitFolderPath(absPath string) (string, string) {
	absPath = path.Clean(absPath)
	trimmed := strings.TrimPrefix(absPath, "/")
	if trimmed == "" || trimmed == "." {
		return "", ""
	}
	folder, rest, _ := strings.Cut(trimmed, "/")
	return folder, rest
}

// resolveNames turns a folder relative remainder into the stored
// directory name and file base name.
func resolveNames(rest string) (dirName, baseName string) {
	dirName = path.Dir("/" + rest)
	return dirName, path.Base(rest)
}

func (db *DB) folderByName(name string) (*Folder, error) {
	ctx, cancel := readContext()
	defer cancel()

	var folder Folder
	err := db.sql.GetContext(ctx, &folder, `SELECT * FROM folder WHERE id_string = ? OR path = ?`, name, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, wrap(err, "get folder")
	}
	return &folder, nil
}

// BlocksForRead resolves a read of length bytes at position in the file
// at absPath to the ordered list of overlapping blocks.
func (db *DB) BlocksForRead(absPath string, position, length int64) ([]BlockRequest, error) {
	folderName, rest := splitFolderPath(absPath)
	if folderName == "" || rest == "" {
		return nil, errNoSuchFolder
	}
	folder, err := db.folderByName(folderName)
	if err != nil {
		return nil, err
	}
	if folder == nil {
		return nil, errNoSuchFolder
	}
	dirName, baseName := resolveNames(rest)

	ctx, cancel := readContext()
	defer cancel()

	var rows []struct {
		Block
		DirName  string `db:"dir_name"`
		FileName string `db:"file_name"`
	}
	err = db.sql.SelectContext(ctx, &rows, `
		SELECT b.*, d.name AS dir_name, f.name AS file_name
		FROM block b
		JOIN file f ON f.id = b.file_id
		JOIN directory d ON d.id = f.directory_id
		WHERE d.folder_id = ? AND d.name = ? AND f.name = ?
			AND b."offset" < ? AND b."offset" + b.size > ?
		ORDER BY b."offset"`,
		folder.ID, dirName, baseName, position+length, position)
	if err != nil {
		return nil, wrap(err, "select blocks for read")
	}

	reqs := make([]BlockRequest, len(rows))
	for i, row := range rows {
		reqs[i] = BlockRequest{
			Folder:  folder.IDString,
			Name:    relativeName(row.DirName, row.FileName),
			FileID:  row.FileID,
			BlockID: row.Block.ID,
			Offset:  row.Offset,
			Size:    row.Size,
			Hash:    row.Hash,
			Cached:  row.Cached,
		}
	}
	return reqs, nil
}

// relativeName joins a stored directory name and file base name into the
// folder relative form used on the wire.
func relativeName(dirName, baseName string) string {
	return strings.TrimPrefix(path.Join(dirName, baseName), "/")
}

// SetBlockCached records the cache state of a block after cache I/O.
func (db *DB) SetBlockCached(blockID int64, state int64) error {
	_, err := db.sql.Exec(`UPDATE block SET cached = ? WHERE id = ?`, state, blockID)
	return wrap(err, "set block cached")
}

// BlocksToRequest returns the blocks that should be fetched in the
// background: absent or stale blocks of live files under fully synced
// directories.
func (db *DB) BlocksToRequest(limit int) ([]BlockRequest, error) {
	ctx, cancel := readContext()
	defer cancel()

	var rows []struct {
		Block
		DirName  string `db:"dir_name"`
		FileName string `db:"file_name"`
		IDString string `db:"id_string"`
	}
	err := db.sql.SelectContext(ctx, &rows, `
		SELECT b.*, d.name AS dir_name, f.name AS file_name, fo.id_string
		FROM block b
		JOIN file f ON f.id = b.file_id
		JOIN directory d ON d.id = f.directory_id
		JOIN folder fo ON fo.id = d.folder_id
		WHERE f.sync = ? AND f.flags & ? = 0 AND b.cached != ? AND b.size > 0
		ORDER BY fo.id_string, d.name, f.name, b."offset"
		LIMIT ?`,
		int64(SyncFull), FlagDeleted, BlockPresent, limit)
	if err != nil {
		return nil, wrap(err, "select blocks to request")
	}

	reqs := make([]BlockRequest, len(rows))
	for i, row := range rows {
		reqs[i] = BlockRequest{
			Folder:  row.IDString,
			Name:    relativeName(row.DirName, row.FileName),
			FileID:  row.FileID,
			BlockID: row.Block.ID,
			Offset:  row.Offset,
			Size:    row.Size,
			Hash:    row.Hash,
			Cached:  row.Cached,
		}
	}
	return reqs, nil
}

// A StaleBlock locates a cache file whose content no longer matches the
// catalog.
type StaleBlock struct {
	BlockID int64  `db:"id"`
	FileID  int64  `db:"file_id"`
	Offset  int64  `db:"offset"`
	Size    int64  `db:"size"`
	Folder  string `db:"id_string"`
}

// StaleBlocks returns the blocks whose cache files should be removed.
func (db *DB) StaleBlocks() ([]StaleBlock, error) {
	ctx, cancel := readContext()
	defer cancel()

	var rows []StaleBlock
	err := db.sql.SelectContext(ctx, &rows, `
		SELECT b.id, b.file_id, b."offset", b.size, fo.id_string
		FROM block b
		JOIN file f ON f.id = b.file_id
		JOIN directory d ON d.id = f.directory_id
		JOIN folder fo ON fo.id = d.folder_id
		WHERE b.cached = ?`, BlockStale)
	if err != nil {
		return nil, wrap(err, "select stale blocks")
	}
	return rows, nil
}

// ForgetStaleBlock drops the bookkeeping for a stale block once its cache
// file is gone. Retired blocks (size zero) disappear entirely; live ones
// revert to absent.
func (db *DB) ForgetStaleBlock(sb StaleBlock) error {
	if sb.Size == 0 {
		_, err := db.sql.Exec(`DELETE FROM block WHERE id = ?`, sb.BlockID)
		return wrap(err, "delete stale block")
	}
	return db.SetBlockCached(sb.BlockID, BlockAbsent)
}

// List returns the entries of the directory at absPath. The root lists
// one synthetic directory per known folder; deleted entries are omitted
// everywhere.
func (db *DB) List(absPath string) ([]ListEntry, error) {
	folderName, rest := splitFolderPath(absPath)
	if folderName == "" {
		return db.listFolders()
	}

	folder, err := db.folderByName(folderName)
	if err != nil {
		return nil, err
	}
	if folder == nil {
		return []ListEntry{}, nil
	}

	dirName := "/"
	if rest != "" {
		dirName = "/" + rest
	}

	ctx, cancel := readContext()
	defer cancel()

	var dir Directory
	err = db.sql.GetContext(ctx, &dir, `SELECT * FROM directory WHERE folder_id = ? AND name = ?`, folder.ID, dirName)
	if errors.Is(err, sql.ErrNoRows) {
		return []ListEntry{}, nil
	} else if err != nil {
		return nil, wrap(err, "get directory")
	}

	var entries []ListEntry

	// Immediate subdirectories: exactly one more path segment.
	prefix := dirName
	if prefix != "/" {
		prefix += "/"
	}
	var subdirs []Directory
	err = db.sql.SelectContext(ctx, &subdirs, `
		SELECT * FROM directory
		WHERE folder_id = ? AND name LIKE ? ESCAPE '\' AND name NOT LIKE ? ESCAPE '\' AND flags & ? = 0
		ORDER BY name`,
		folder.ID, likeEscape(prefix)+"_%", likeEscape(prefix)+"%/%", FlagDeleted)
	if err != nil {
		return nil, wrap(err, "select subdirectories")
	}
	for _, sd := range subdirs {
		entries = append(entries, ListEntry{
			Type:        EntryTypeDirectory,
			Name:        path.Base(sd.Name),
			Permissions: uint32(sd.Permissions),
			Modified:    time.Unix(sd.ModifiedS, 0),
			ModifiedBy:  sd.ModifiedBy,
		})
	}

	var files []File
	err = db.sql.SelectContext(ctx, &files, `
		SELECT * FROM file WHERE directory_id = ? AND flags & ? = 0 ORDER BY name`, dir.ID, FlagDeleted)
	if err != nil {
		return nil, wrap(err, "select files")
	}
	for _, f := range files {
		entries = append(entries, fileListEntry(f))
	}
	return entries, nil
}

func (db *DB) listFolders() ([]ListEntry, error) {
	ctx, cancel := readContext()
	defer cancel()

	var folders []Folder
	if err := db.sql.SelectContext(ctx, &folders, `SELECT * FROM folder ORDER BY path`); err != nil {
		return nil, wrap(err, "select folders")
	}
	entries := make([]ListEntry, len(folders))
	for i, f := range folders {
		entries[i] = ListEntry{
			Type: EntryTypeDirectory,
			Name: f.Path,
		}
	}
	return entries, nil
}

// Attributes returns the entry at absPath, or nil when there is no such
// live entry.
func (db *DB) Attributes(absPath string) (*ListEntry, error) {
	folderName, rest := splitFolderPath(absPath)
	if folderName == "" {
		return &ListEntry{Type: EntryTypeDirectory, Name: "/"}, nil
	}

	folder, err := db.folderByName(folderName)
	if err != nil {
		return nil, err
	}
	if folder == nil {
		return nil, nil
	}
	if rest == "" {
		return &ListEntry{Type: EntryTypeDirectory, Name: folder.Path}, nil
	}

	ctx, cancel := readContext()
	defer cancel()

	// A file wins over a directory of the same name; names are unique
	// within their kind so at most one of the two exists.
	dirName, baseName := resolveNames(rest)
	var file File
	err = db.sql.GetContext(ctx, &file, `
		SELECT f.* FROM file f
		JOIN directory d ON d.id = f.directory_id
		WHERE d.folder_id = ? AND d.name = ? AND f.name = ?`,
		folder.ID, dirName, baseName)
	if err == nil {
		if file.Flags&FlagDeleted != 0 {
			return nil, nil
		}
		entry := fileListEntry(file)
		return &entry, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrap(err, "get file")
	}

	var dir Directory
	err = db.sql.GetContext(ctx, &dir, `SELECT * FROM directory WHERE folder_id = ? AND name = ?`, folder.ID, "/"+rest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, wrap(err, "get directory")
	}
	if dir.Flags&FlagDeleted != 0 {
		return nil, nil
	}
	return &ListEntry{
		Type:        EntryTypeDirectory,
		Name:        path.Base(dir.Name),
		Permissions: uint32(dir.Permissions),
		Modified:    time.Unix(dir.ModifiedS, 0),
		ModifiedBy:  dir.ModifiedBy,
	}, nil
}

func fileListEntry(f File) ListEntry {
	typ := EntryTypeFile
	if EntryType(f.Type) == EntryTypeSymlink {
		typ = EntryTypeSymlink
	}
	return ListEntry{
		Type:        typ,
		Name:        f.Name,
		Size:        f.Size,
		Permissions: uint32(f.Permissions),
		Modified:    time.Unix(f.ModifiedS, 0),
		ModifiedBy:  f.ModifiedBy,
	}
}
