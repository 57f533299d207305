// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/syncthing/stget/lib/protocol"
)

// UpdateClusterConfig applies the peer's cluster config: folders are
// upserted, devices per folder are upserted. A changed index ID on a non
// local device resets its internal sequence so a full resync happens. The
// local device gets a random index ID on first insert and keeps its
// configured name regardless of what the peer says.
func (db *DB) UpdateClusterConfig(cc *protocol.ClusterConfig, localID protocol.DeviceID, localName string) error {
	return db.inTransaction(func(tx *sqlx.Tx) error {
		for _, folder := range cc.Folders {
			folderID, err := upsertFolder(tx, folder)
			if err != nil {
				return err
			}

			sawLocal := false
			for _, device := range folder.Devices {
				isLocal := device.ID.Equals(localID)
				sawLocal = sawLocal || isLocal
				if err := upsertDevice(tx, folderID, device, isLocal, localName); err != nil {
					return err
				}
			}
			if !sawLocal {
				// The peer may not list us; the local device row must
				// exist regardless, it tracks our sequence numbers.
				local := protocol.Device{ID: localID, Name: localName}
				if err := upsertDevice(tx, folderID, local, true, localName); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func upsertFolder(tx *sqlx.Tx, folder protocol.Folder) (int64, error) {
	var existing Folder
	err := tx.Get(&existing, `SELECT * FROM folder WHERE id_string = ?`, folder.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// The path is the client local mount label; we name the mount
		// after the folder ID.
		res, err := tx.Exec(`INSERT INTO folder (id_string, label, path) VALUES (?, ?, ?)`,
			folder.ID, folder.Label, folder.ID)
		if err != nil {
			return 0, wrap(err, "insert folder")
		}
		return res.LastInsertId()
	} else if err != nil {
		return 0, wrap(err, "get folder")
	}

	if existing.Label != folder.Label {
		if _, err := tx.Exec(`UPDATE folder SET label = ? WHERE id = ?`, folder.Label, existing.ID); err != nil {
			return 0, wrap(err, "update folder")
		}
	}
	return existing.ID, nil
}

func upsertDevice(tx *sqlx.Tx, folderID int64, device protocol.Device, isLocal bool, localName string) error {
	addresses := strings.Join(device.Addresses, ",")
	name := device.Name
	if isLocal {
		name = localName
	}

	var existing Device
	err := tx.Get(&existing, `SELECT * FROM device WHERE device_id = ? AND folder_id = ?`, device.ID[:], folderID)
	if errors.Is(err, sql.ErrNoRows) {
		indexID := device.IndexID
		if isLocal {
			indexID = protocol.NewIndexID()
		}
		_, err := tx.Exec(`
			INSERT INTO device (device_id, folder_id, name, addresses, max_sequence, index_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			device.ID[:], folderID, name, addresses, device.MaxSequence, indexID.Marshal())
		return wrap(err, "insert device")
	} else if err != nil {
		return wrap(err, "get device")
	}

	if !isLocal && !bytes.Equal(existing.IndexID, device.IndexID.Marshal()) {
		// The peer has a new index ID; our idea of its sequence numbers
		// is void and everything must be resynced.
		l.Info("peer index ID changed, forcing resync", "device", device.ID.Short())
		_, err := tx.Exec(`
			UPDATE device SET name = ?, addresses = ?, max_sequence = ?, max_sequence_internal = 0, index_id = ?
			WHERE id = ?`,
			name, addresses, device.MaxSequence, device.IndexID.Marshal(), existing.ID)
		return wrap(err, "update device")
	}

	indexID := existing.IndexID
	if !isLocal {
		indexID = device.IndexID.Marshal()
	}
	_, err = tx.Exec(`UPDATE device SET name = ?, addresses = ?, max_sequence = ?, index_id = ? WHERE id = ?`,
		name, addresses, device.MaxSequence, indexID, existing.ID)
	return wrap(err, "update device")
}

// ClusterConfigFor builds the cluster config we send to the peer: every
// known folder with exactly two devices, ourselves and the peer. A folder
// without a device row for the peer is a configuration error.
func (db *DB) ClusterConfigFor(peerID, localID protocol.DeviceID, localName string) (*protocol.ClusterConfig, error) {
	ctx, cancel := readContext()
	defer cancel()

	var folders []Folder
	if err := db.sql.SelectContext(ctx, &folders, `SELECT * FROM folder ORDER BY id_string`); err != nil {
		return nil, wrap(err, "select folders")
	}

	cc := &protocol.ClusterConfig{}
	for _, folder := range folders {
		var local, peer Device
		if err := db.sql.GetContext(ctx, &local, `SELECT * FROM device WHERE folder_id = ? AND device_id = ?`, folder.ID, localID[:]); err != nil {
			return nil, wrap(err, "local device for folder "+folder.IDString)
		}
		if err := db.sql.GetContext(ctx, &peer, `SELECT * FROM device WHERE folder_id = ? AND device_id = ?`, folder.ID, peerID[:]); err != nil {
			return nil, fmt.Errorf("folder %s has no device %v: %w", folder.IDString, peerID.Short(), err)
		}

		var localIndexID, peerIndexID protocol.IndexID
		_ = localIndexID.Unmarshal(local.IndexID)
		_ = peerIndexID.Unmarshal(peer.IndexID)

		cc.Folders = append(cc.Folders, protocol.Folder{
			ID:    folder.IDString,
			Label: folder.Label,
			Devices: []protocol.Device{
				{
					ID:          localID,
					Name:        localName,
					MaxSequence: local.MaxSequenceInternal,
					IndexID:     localIndexID,
				},
				{
					ID:          peerID,
					Name:        peer.Name,
					Addresses:   splitAddresses(peer.Addresses),
					MaxSequence: peer.MaxSequence,
					IndexID:     peerIndexID,
				},
			},
		})
	}
	return cc, nil
}

func splitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// sequencer hands out fresh per-folder sequence numbers during one index
// transaction, continuing from the device's internal max.
type sequencer struct {
	next int64
}

func (s *sequencer) fresh() int64 {
	s.next++
	return s.next
}

// UpdateIndex applies one index or index update message in a single
// exclusive transaction. It returns true when an entry under a fully
// synced directory was added or modified, which is the signal that cached
// data may need refreshing.
func (db *DB) UpdateIndex(tree protocol.IndexTree, localID protocol.DeviceID) (bool, error) {
	updated := false
	err := db.inTransaction(func(tx *sqlx.Tx) error {
		var folder Folder
		if err := tx.Get(&folder, `SELECT * FROM folder WHERE id_string = ?`, tree.Folder); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", errNoSuchFolder, tree.Folder)
			}
			return wrap(err, "get folder")
		}

		var local Device
		if err := tx.Get(&local, `SELECT * FROM device WHERE folder_id = ? AND device_id = ?`, folder.ID, localID[:]); err != nil {
			return wrap(err, "get local device")
		}
		seq := &sequencer{next: local.MaxSequenceInternal}

		if err := ensureRootDirectory(tx, folder.ID, seq); err != nil {
			return err
		}

		for _, dir := range tree.Directories {
			parentSync := SyncNone
			if dir.Name != "/" {
				parent, err := getDirectory(tx, folder.ID, path.Dir(dir.Name))
				if err != nil {
					return err
				}
				if parent != nil {
					parentSync = SyncMode(parent.Sync)
				}
			}

			dirRow, dirUpdated, err := updateDirectory(tx, folder.ID, dir, parentSync, seq)
			if err != nil {
				return err
			}
			updated = updated || dirUpdated
			if dirRow == nil {
				// Deleted and previously unknown; its children are
				// equally uninteresting.
				continue
			}

			for _, f := range dir.Files {
				fileRow, fileUpdated, err := updateFile(tx, dirRow, f, seq)
				if err != nil {
					return err
				}
				updated = updated || fileUpdated
				if fileRow == nil {
					continue
				}
				if err := updateBlocks(tx, fileRow.ID, f.Blocks); err != nil {
					return err
				}
			}
		}

		_, err := tx.Exec(`UPDATE device SET max_sequence_internal = ? WHERE id = ?`, seq.next, local.ID)
		return wrap(err, "update sequence")
	})
	return updated, err
}

func ensureRootDirectory(tx *sqlx.Tx, folderID int64, seq *sequencer) error {
	existing, err := getDirectory(tx, folderID, "/")
	if err != nil || existing != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO directory (folder_id, name, sequence) VALUES (?, '/', ?)`, folderID, seq.fresh())
	return wrap(err, "insert root directory")
}

func getDirectory(tx *sqlx.Tx, folderID int64, name string) (*Directory, error) {
	var dir Directory
	err := tx.Get(&dir, `SELECT * FROM directory WHERE folder_id = ? AND name = ?`, folderID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, wrap(err, "get directory")
	}
	return &dir, nil
}

// updateDirectory applies one directory entry. The returned row is nil
// when the entry was a tombstone for something we never knew about.
func updateDirectory(tx *sqlx.Tx, folderID int64, dir protocol.IndexDirectory, parentSync SyncMode, seq *sequencer) (*Directory, bool, error) {
	entry := dir.Entry
	existing, err := getDirectory(tx, folderID, dir.Name)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		if !dir.Placeholder && entry.Deleted {
			return nil, false, nil
		}
		row := Directory{
			FolderID:    folderID,
			Name:        dir.Name,
			Permissions: int64(entry.Permissions),
			ModifiedS:   entry.ModifiedS,
			ModifiedNs:  int64(entry.ModifiedNs),
			ModifiedBy:  modifiedByBytes(entry.ModifiedBy),
			Flags:       packFlags(entry),
			Sequence:    seq.fresh(),
			Version:     entry.Version.String(),
			Sync:        int64(parentSync),
		}
		res, err := tx.NamedExec(`
			INSERT INTO directory (folder_id, name, permissions, modified_s, modified_ns, modified_by, flags, sequence, version, sync)
			VALUES (:folder_id, :name, :permissions, :modified_s, :modified_ns, :modified_by, :flags, :sequence, :version, :sync)`, row)
		if err != nil {
			return nil, false, wrap(err, "insert directory")
		}
		row.ID, _ = res.LastInsertId()
		return &row, parentSync == SyncFull, nil
	}

	if dir.Placeholder {
		// A placeholder carries no metadata; the row we have wins.
		return existing, false, nil
	}

	same := existing.Permissions == int64(entry.Permissions) &&
		existing.ModifiedS == entry.ModifiedS &&
		existing.ModifiedNs == int64(entry.ModifiedNs) &&
		bytes.Equal(existing.ModifiedBy, modifiedByBytes(entry.ModifiedBy)) &&
		existing.Flags == packFlags(entry) &&
		existing.Version == entry.Version.String()
	if same {
		return existing, false, nil
	}

	existing.Permissions = int64(entry.Permissions)
	existing.ModifiedS = entry.ModifiedS
	existing.ModifiedNs = int64(entry.ModifiedNs)
	existing.ModifiedBy = modifiedByBytes(entry.ModifiedBy)
	existing.Flags = packFlags(entry)
	existing.Version = entry.Version.String()
	existing.Sequence = seq.fresh()
	_, err = tx.NamedExec(`
		UPDATE directory SET permissions = :permissions, modified_s = :modified_s, modified_ns = :modified_ns,
			modified_by = :modified_by, flags = :flags, sequence = :sequence, version = :version
		WHERE id = :id`, existing)
	if err != nil {
		return nil, false, wrap(err, "update directory")
	}
	return existing, SyncMode(existing.Sync) == SyncFull, nil
}

// updateFile applies one file or symlink entry under its directory.
func updateFile(tx *sqlx.Tx, dir *Directory, f protocol.FileInfo, seq *sequencer) (*File, bool, error) {
	var existing File
	err := tx.Get(&existing, `SELECT * FROM file WHERE directory_id = ? AND name = ?`, dir.ID, f.Name)
	if errors.Is(err, sql.ErrNoRows) {
		if f.Deleted {
			return nil, false, nil
		}
		row := File{
			DirectoryID:   dir.ID,
			Name:          f.Name,
			Type:          int64(f.Type),
			Size:          f.Size,
			Permissions:   int64(f.Permissions),
			ModifiedS:     f.ModifiedS,
			ModifiedNs:    int64(f.ModifiedNs),
			ModifiedBy:    modifiedByBytes(f.ModifiedBy),
			Flags:         packFlags(f),
			Sequence:      seq.fresh(),
			BlockSize:     int64(f.BlockSize),
			Version:       f.Version.String(),
			SymlinkTarget: f.SymlinkTarget,
			Sync:          dir.Sync,
		}
		res, err := tx.NamedExec(`
			INSERT INTO file (directory_id, name, type, size, permissions, modified_s, modified_ns, modified_by,
				flags, sequence, block_size, version, symlink_target, sync)
			VALUES (:directory_id, :name, :type, :size, :permissions, :modified_s, :modified_ns, :modified_by,
				:flags, :sequence, :block_size, :version, :symlink_target, :sync)`, row)
		if err != nil {
			return nil, false, wrap(err, "insert file")
		}
		row.ID, _ = res.LastInsertId()
		return &row, SyncMode(dir.Sync) == SyncFull, nil
	} else if err != nil {
		return nil, false, wrap(err, "get file")
	}

	same := existing.Type == int64(f.Type) &&
		existing.Size == f.Size &&
		existing.Permissions == int64(f.Permissions) &&
		existing.ModifiedS == f.ModifiedS &&
		existing.ModifiedNs == int64(f.ModifiedNs) &&
		bytes.Equal(existing.ModifiedBy, modifiedByBytes(f.ModifiedBy)) &&
		existing.Flags == packFlags(f) &&
		existing.BlockSize == int64(f.BlockSize) &&
		existing.Version == f.Version.String() &&
		existing.SymlinkTarget == f.SymlinkTarget
	if same {
		return &existing, false, nil
	}

	existing.Type = int64(f.Type)
	existing.Size = f.Size
	existing.Permissions = int64(f.Permissions)
	existing.ModifiedS = f.ModifiedS
	existing.ModifiedNs = int64(f.ModifiedNs)
	existing.ModifiedBy = modifiedByBytes(f.ModifiedBy)
	existing.Flags = packFlags(f)
	existing.BlockSize = int64(f.BlockSize)
	existing.Version = f.Version.String()
	existing.SymlinkTarget = f.SymlinkTarget
	existing.Sequence = seq.fresh()
	_, err = tx.NamedExec(`
		UPDATE file SET type = :type, size = :size, permissions = :permissions, modified_s = :modified_s,
			modified_ns = :modified_ns, modified_by = :modified_by, flags = :flags, sequence = :sequence,
			block_size = :block_size, version = :version, symlink_target = :symlink_target
		WHERE id = :id`, existing)
	if err != nil {
		return nil, false, wrap(err, "update file")
	}
	return &existing, SyncMode(existing.Sync) == SyncFull, nil
}

// updateBlocks reconciles the stored block list with the announced one,
// pairwise in offset order. Changed blocks that were cached are marked
// stale rather than forgotten so the cache file can be cleaned up later.
func updateBlocks(tx *sqlx.Tx, fileID int64, newBlocks []protocol.BlockInfo) error {
	var existing []Block
	if err := tx.Select(&existing, `SELECT * FROM block WHERE file_id = ? ORDER BY "offset"`, fileID); err != nil {
		return wrap(err, "select blocks")
	}

	for i, nb := range newBlocks {
		if i < len(existing) {
			eb := existing[i]
			if eb.Offset == nb.Offset && eb.Size == int64(nb.Size) && bytes.Equal(eb.Hash, nb.Hash) {
				continue
			}
			cached := eb.Cached
			if cached == BlockPresent {
				cached = BlockStale
			}
			if _, err := tx.Exec(`UPDATE block SET "offset" = ?, size = ?, hash = ?, cached = ? WHERE id = ?`,
				nb.Offset, nb.Size, nb.Hash, cached, eb.ID); err != nil {
				return wrap(err, "update block")
			}
			continue
		}
		if _, err := tx.Exec(`INSERT INTO block (file_id, "offset", size, hash, cached) VALUES (?, ?, ?, ?, ?)`,
			fileID, nb.Offset, nb.Size, nb.Hash, BlockAbsent); err != nil {
			return wrap(err, "insert block")
		}
	}

	for _, eb := range existing[min(len(newBlocks), len(existing)):] {
		if eb.Cached == BlockPresent || eb.Cached == BlockStale {
			// Keep the row so the cache file is cleaned up, but it no
			// longer describes any content.
			if _, err := tx.Exec(`UPDATE block SET size = 0, cached = ? WHERE id = ?`, BlockStale, eb.ID); err != nil {
				return wrap(err, "retire block")
			}
		} else {
			if _, err := tx.Exec(`DELETE FROM block WHERE id = ?`, eb.ID); err != nil {
				return wrap(err, "delete block")
			}
		}
	}
	return nil
}

// SetSync marks the directory at absPath, everything below it and the
// files therein with the given sync mode.
func (db *DB) SetSync(absPath string, mode SyncMode) error {
	folderName, rest := splitFolderPath(absPath)
	if folderName == "" {
		return errNoSuchFolder
	}
	dirName := "/"
	if rest != "" {
		dirName = "/" + rest
	}

	return db.inTransaction(func(tx *sqlx.Tx) error {
		var folder Folder
		if err := tx.Get(&folder, `SELECT * FROM folder WHERE id_string = ? OR path = ?`, folderName, folderName); err != nil {
			return fmt.Errorf("%w: %s", errNoSuchFolder, folderName)
		}

		prefix := dirName
		if prefix != "/" {
			prefix += "/"
		}
		if _, err := tx.Exec(`UPDATE directory SET sync = ? WHERE folder_id = ? AND (name = ? OR name LIKE ? ESCAPE '\')`,
			int64(mode), folder.ID, dirName, likeEscape(prefix)+"%"); err != nil {
			return wrap(err, "update directory sync")
		}
		_, err := tx.Exec(`
			UPDATE file SET sync = ? WHERE directory_id IN (
				SELECT id FROM directory WHERE folder_id = ? AND (name = ? OR name LIKE ? ESCAPE '\')
			)`, int64(mode), folder.ID, dirName, likeEscape(prefix)+"%")
		return wrap(err, "update file sync")
	})
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
