// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"bytes"
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/syncthing/stget/lib/protocol"
)

var (
	localID = protocol.NewDeviceID([]byte("local device"))
	peerID  = protocol.NewDeviceID([]byte("peer device"))
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testClusterConfig() *protocol.ClusterConfig {
	return &protocol.ClusterConfig{
		Folders: []protocol.Folder{
			{
				ID:    "data",
				Label: "Data",
				Devices: []protocol.Device{
					{ID: peerID, Name: "server", Addresses: []string{"tcp://peer:22000"}, MaxSequence: 100, IndexID: 42},
					{ID: localID, Name: "who-cares"},
				},
			},
		},
	}
}

func seed(t *testing.T, db *DB) {
	t.Helper()
	if err := db.UpdateClusterConfig(testClusterConfig(), localID, "reader"); err != nil {
		t.Fatal(err)
	}
}

func hashOf(data string) []byte {
	h := sha256.Sum256([]byte(data))
	return h[:]
}

func fileEntry(name string, blocks ...protocol.BlockInfo) protocol.FileInfo {
	var size int64
	for _, b := range blocks {
		size += int64(b.Size)
	}
	return protocol.FileInfo{
		Name:      name,
		Type:      protocol.FileInfoTypeFile,
		Size:      size,
		ModifiedS: 1700000000,
		BlockSize: 131072,
		Blocks:    blocks,
		Version:   protocol.Vector{Counters: []protocol.Counter{{ID: 1, Value: 1}}},
	}
}

func applyFiles(t *testing.T, db *DB, files ...protocol.FileInfo) bool {
	t.Helper()
	updated, err := db.UpdateIndex(protocol.BuildIndexTree("data", files), localID)
	if err != nil {
		t.Fatal(err)
	}
	return updated
}

func TestUpdateClusterConfigIdempotent(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	var before []Device
	if err := db.sql.Select(&before, `SELECT * FROM device ORDER BY id`); err != nil {
		t.Fatal(err)
	}

	seed(t, db)

	var after []Device
	if err := db.sql.Select(&after, `SELECT * FROM device ORDER BY id`); err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(before, after); !equal {
		t.Errorf("device rows changed on reapplication:\n%s", diff)
	}

	var folders int
	if err := db.sql.Get(&folders, `SELECT COUNT(*) FROM folder`); err != nil {
		t.Fatal(err)
	}
	if folders != 1 {
		t.Errorf("%d folders, expected 1", folders)
	}
}

func TestLocalDeviceGetsIndexIDAndName(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	var local Device
	if err := db.sql.Get(&local, `SELECT * FROM device WHERE device_id = ?`, localID[:]); err != nil {
		t.Fatal(err)
	}
	if local.Name != "reader" {
		t.Errorf("local name %q, expected configured name", local.Name)
	}
	if len(local.IndexID) != 8 || bytes.Equal(local.IndexID, make([]byte, 8)) {
		t.Errorf("local index ID not generated: %x", local.IndexID)
	}
}

func TestPeerIndexIDChangeResetsSequence(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	if _, err := db.sql.Exec(`UPDATE device SET max_sequence_internal = 55 WHERE device_id = ?`, peerID[:]); err != nil {
		t.Fatal(err)
	}

	cc := testClusterConfig()
	cc.Folders[0].Devices[0].IndexID = 43
	if err := db.UpdateClusterConfig(cc, localID, "reader"); err != nil {
		t.Fatal(err)
	}

	var peer Device
	if err := db.sql.Get(&peer, `SELECT * FROM device WHERE device_id = ?`, peerID[:]); err != nil {
		t.Fatal(err)
	}
	if peer.MaxSequenceInternal != 0 {
		t.Errorf("max_sequence_internal %d, expected reset to 0", peer.MaxSequenceInternal)
	}
}

func TestClusterConfigFor(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	cc, err := db.ClusterConfigFor(peerID, localID, "reader")
	if err != nil {
		t.Fatal(err)
	}
	if len(cc.Folders) != 1 {
		t.Fatalf("%d folders", len(cc.Folders))
	}
	devices := cc.Folders[0].Devices
	if len(devices) != 2 {
		t.Fatalf("%d devices, expected exactly 2", len(devices))
	}
	if !devices[0].ID.Equals(localID) || !devices[1].ID.Equals(peerID) {
		t.Error("expected self first, then peer")
	}
	if devices[1].IndexID != 42 {
		t.Errorf("peer index ID %v", devices[1].IndexID)
	}
}

func TestClusterConfigForMissingPeer(t *testing.T) {
	db := openTestDB(t)
	cc := &protocol.ClusterConfig{Folders: []protocol.Folder{{ID: "lonely"}}}
	if err := db.UpdateClusterConfig(cc, localID, "reader"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClusterConfigFor(peerID, localID, "reader"); err == nil {
		t.Error("expected an error for a folder without the peer device")
	}
}

func TestUpdateIndexIdempotent(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	f := fileEntry("a/b.txt", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: hashOf("v1")})
	dir := protocol.FileInfo{Name: "a", Type: protocol.FileInfoTypeDirectory, ModifiedS: 1700000000}

	applyFiles(t, db, dir, f)

	var seqsBefore []int64
	if err := db.sql.Select(&seqsBefore, `SELECT sequence FROM file ORDER BY id`); err != nil {
		t.Fatal(err)
	}

	if updated := applyFiles(t, db, dir, f); updated {
		t.Error("reapplying the same index reported an update")
	}

	var seqsAfter []int64
	if err := db.sql.Select(&seqsAfter, `SELECT sequence FROM file ORDER BY id`); err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(seqsBefore, seqsAfter); !equal {
		t.Errorf("sequences changed on reapplication:\n%s", diff)
	}
}

func TestSequenceInvariant(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	applyFiles(t, db,
		protocol.FileInfo{Name: "a", Type: protocol.FileInfoTypeDirectory},
		fileEntry("a/b.txt", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: hashOf("b")}),
		fileEntry("a/c.txt", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: hashOf("c")}),
	)

	var maxRow int64
	if err := db.sql.Get(&maxRow, `
		SELECT MAX(seq) FROM (
			SELECT MAX(sequence) AS seq FROM file
			UNION ALL
			SELECT MAX(sequence) AS seq FROM directory
		)`); err != nil {
		t.Fatal(err)
	}
	var internal int64
	if err := db.sql.Get(&internal, `SELECT max_sequence_internal FROM device WHERE device_id = ?`, localID[:]); err != nil {
		t.Fatal(err)
	}
	if internal < maxRow {
		t.Errorf("max_sequence_internal %d < max row sequence %d", internal, maxRow)
	}
}

func TestIndexMergeReplacesBlock(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	h1 := hashOf("version one")
	h2 := hashOf("version two")

	applyFiles(t, db, fileEntry("b.txt", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: h1}))

	// Pretend the block got cached in the meantime.
	if _, err := db.sql.Exec(`UPDATE block SET cached = ?`, BlockPresent); err != nil {
		t.Fatal(err)
	}

	f := fileEntry("b.txt", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: h2})
	f.ModifiedS++
	f.Version = protocol.Vector{Counters: []protocol.Counter{{ID: 1, Value: 2}}}
	applyFiles(t, db, f)

	var blocks []Block
	if err := db.sql.Select(&blocks, `SELECT * FROM block`); err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Fatalf("%d blocks, expected 1", len(blocks))
	}
	if !bytes.Equal(blocks[0].Hash, h2) {
		t.Error("block hash not replaced")
	}
	if blocks[0].Cached != BlockStale {
		t.Errorf("cached %d, expected stale after content change", blocks[0].Cached)
	}
}

func TestUpdateBlocksShrink(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	applyFiles(t, db, fileEntry("s.bin",
		protocol.BlockInfo{Offset: 0, Size: 131072, Hash: hashOf("one")},
		protocol.BlockInfo{Offset: 131072, Size: 131072, Hash: hashOf("two")},
		protocol.BlockInfo{Offset: 262144, Size: 131072, Hash: hashOf("three")},
	))

	// Block at 131072 is cached, block at 262144 is not.
	if _, err := db.sql.Exec(`UPDATE block SET cached = ? WHERE "offset" = 131072`, BlockPresent); err != nil {
		t.Fatal(err)
	}

	f := fileEntry("s.bin", protocol.BlockInfo{Offset: 0, Size: 131072, Hash: hashOf("one")})
	f.ModifiedS++
	applyFiles(t, db, f)

	var blocks []Block
	if err := db.sql.Select(&blocks, `SELECT * FROM block ORDER BY "offset"`); err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("%d blocks, expected the live one and the cached tombstone", len(blocks))
	}
	if blocks[1].Size != 0 || blocks[1].Cached != BlockStale {
		t.Errorf("trailing cached block should be retired, got %+v", blocks[1])
	}
}

func TestBlocksForRead(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	applyFiles(t, db,
		protocol.FileInfo{Name: "a", Type: protocol.FileInfoTypeDirectory},
		fileEntry("a/b.txt",
			protocol.BlockInfo{Offset: 0, Size: 131072, Hash: hashOf("one")},
			protocol.BlockInfo{Offset: 131072, Size: 131072, Hash: hashOf("two")},
			protocol.BlockInfo{Offset: 262144, Size: 131072, Hash: hashOf("three")},
		),
	)

	reqs, err := db.BlocksForRead("/data/a/b.txt", 131000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 2 {
		t.Fatalf("%d blocks, expected 2 for a read spanning a block boundary", len(reqs))
	}
	if reqs[0].Offset != 0 || reqs[1].Offset != 131072 {
		t.Errorf("unexpected offsets %d, %d", reqs[0].Offset, reqs[1].Offset)
	}
	if reqs[0].Name != "a/b.txt" {
		t.Errorf("request name %q, expected folder relative form", reqs[0].Name)
	}

	reqs, err = db.BlocksForRead("/data/a/b.txt", 400000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 0 {
		t.Errorf("%d blocks for a read past EOF", len(reqs))
	}
}

func TestListAndAttributes(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	applyFiles(t, db,
		protocol.FileInfo{Name: "docs", Type: protocol.FileInfoTypeDirectory, Permissions: 0o755},
		fileEntry("docs/readme.md", protocol.BlockInfo{Offset: 0, Size: 100, Hash: hashOf("r")}),
		fileEntry("top.txt", protocol.BlockInfo{Offset: 0, Size: 50, Hash: hashOf("t")}),
	)

	root, err := db.List("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 || root[0].Name != "data" || root[0].Type != EntryTypeDirectory {
		t.Errorf("unexpected root listing %+v", root)
	}

	folder, err := db.List("/data")
	if err != nil {
		t.Fatal(err)
	}
	if len(folder) != 2 {
		t.Fatalf("%d entries in /data, expected docs and top.txt", len(folder))
	}
	if folder[0].Name != "docs" || folder[0].Type != EntryTypeDirectory {
		t.Errorf("expected docs directory first, got %+v", folder[0])
	}
	if folder[1].Name != "top.txt" || folder[1].Size != 50 {
		t.Errorf("unexpected file entry %+v", folder[1])
	}

	attr, err := db.Attributes("/data/docs/readme.md")
	if err != nil {
		t.Fatal(err)
	}
	if attr == nil || attr.Size != 100 {
		t.Errorf("unexpected attributes %+v", attr)
	}

	attr, err = db.Attributes("/data/docs")
	if err != nil {
		t.Fatal(err)
	}
	if attr == nil || attr.Type != EntryTypeDirectory {
		t.Errorf("unexpected directory attributes %+v", attr)
	}

	attr, err = db.Attributes("/data/nope")
	if err != nil {
		t.Fatal(err)
	}
	if attr != nil {
		t.Errorf("expected nil for missing path, got %+v", attr)
	}
}

func TestDeletedEntriesAreTombstones(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	applyFiles(t, db, fileEntry("gone.txt", protocol.BlockInfo{Offset: 0, Size: 10, Hash: hashOf("g")}))

	del := protocol.FileInfo{
		Name:      "gone.txt",
		Type:      protocol.FileInfoTypeFile,
		Deleted:   true,
		ModifiedS: 1700000001,
		Version:   protocol.Vector{Counters: []protocol.Counter{{ID: 1, Value: 2}}},
	}
	applyFiles(t, db, del)

	entries, err := db.List("/data")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("deleted file still listed: %+v", entries)
	}
	attr, err := db.Attributes("/data/gone.txt")
	if err != nil {
		t.Fatal(err)
	}
	if attr != nil {
		t.Errorf("deleted file has attributes: %+v", attr)
	}

	// The tombstone row remains.
	var count int
	if err := db.sql.Get(&count, `SELECT COUNT(*) FROM file WHERE name = 'gone.txt'`); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("%d rows for tombstone, expected 1", count)
	}
}

func TestSyncFullDrivesUpdatedAndRefill(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	applyFiles(t, db, protocol.FileInfo{Name: "keep", Type: protocol.FileInfoTypeDirectory})
	if err := db.SetSync("/data/keep", SyncFull); err != nil {
		t.Fatal(err)
	}

	updated := applyFiles(t, db, fileEntry("keep/hot.bin", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: hashOf("hot")}))
	if !updated {
		t.Error("adding a file under a fully synced directory must report updated")
	}

	reqs, err := db.BlocksToRequest(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Name != "keep/hot.bin" {
		t.Errorf("unexpected refill set %+v", reqs)
	}

	updated = applyFiles(t, db, fileEntry("elsewhere.bin", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: hashOf("cold")}))
	if updated {
		t.Error("a file outside synced directories must not report updated")
	}
}

func TestStaleBlockLifecycle(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	applyFiles(t, db, fileEntry("f.bin", protocol.BlockInfo{Offset: 0, Size: 16384, Hash: hashOf("v1")}))
	if _, err := db.sql.Exec(`UPDATE block SET cached = ?`, BlockStale); err != nil {
		t.Fatal(err)
	}

	stale, err := db.StaleBlocks()
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("%d stale blocks", len(stale))
	}
	if err := db.ForgetStaleBlock(stale[0]); err != nil {
		t.Fatal(err)
	}

	var b Block
	if err := db.sql.Get(&b, `SELECT * FROM block`); err != nil {
		t.Fatal(err)
	}
	if b.Cached != BlockAbsent {
		t.Errorf("cached %d, expected absent after forgetting", b.Cached)
	}
}
