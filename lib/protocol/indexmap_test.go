// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "testing"

func TestBuildIndexTreeFileBeforeDirectory(t *testing.T) {
	// The file arrives first; its directory entry must replace the
	// placeholder created for it.
	files := []FileInfo{
		{Name: "a/b.txt", Type: FileInfoTypeFile, Size: 100},
		{Name: "a", Type: FileInfoTypeDirectory, Permissions: 0o755},
	}

	tree := BuildIndexTree("default", files)
	if tree.Folder != "default" {
		t.Errorf("folder %q", tree.Folder)
	}
	if len(tree.Directories) != 1 {
		t.Fatalf("got %d directories, expected 1", len(tree.Directories))
	}

	d := tree.Directories[0]
	if d.Name != "/a" {
		t.Errorf("directory name %q != /a", d.Name)
	}
	if d.Placeholder {
		t.Error("placeholder was not replaced by the real directory entry")
	}
	if d.Entry.Permissions != 0o755 {
		t.Errorf("directory metadata lost: %+v", d.Entry)
	}
	if len(d.Files) != 1 || d.Files[0].Name != "b.txt" {
		t.Errorf("unexpected files %+v", d.Files)
	}
}

func TestBuildIndexTreePlaceholderKept(t *testing.T) {
	files := []FileInfo{
		{Name: "deep/nested/file", Type: FileInfoTypeFile},
	}

	tree := BuildIndexTree("default", files)
	if len(tree.Directories) != 1 {
		t.Fatalf("got %d directories, expected 1", len(tree.Directories))
	}
	d := tree.Directories[0]
	if d.Name != "/deep/nested" {
		t.Errorf("directory name %q", d.Name)
	}
	if !d.Placeholder {
		t.Error("expected a placeholder directory")
	}
}

func TestBuildIndexTreeRootFile(t *testing.T) {
	tree := BuildIndexTree("default", []FileInfo{{Name: "top.txt", Type: FileInfoTypeFile}})
	if len(tree.Directories) != 1 || tree.Directories[0].Name != "/" {
		t.Fatalf("unexpected tree %+v", tree)
	}
	if tree.Directories[0].Files[0].Name != "top.txt" {
		t.Errorf("unexpected files %+v", tree.Directories[0].Files)
	}
}

func TestBuildIndexTreeSortsBlocks(t *testing.T) {
	files := []FileInfo{{
		Name: "f",
		Type: FileInfoTypeFile,
		Blocks: []BlockInfo{
			{Offset: 131072, Size: 131072},
			{Offset: 0, Size: 131072},
		},
	}}

	tree := BuildIndexTree("default", files)
	blocks := tree.Directories[0].Files[0].Blocks
	if blocks[0].Offset != 0 || blocks[1].Offset != 131072 {
		t.Errorf("blocks not sorted by offset: %+v", blocks)
	}
}

func TestBuildIndexTreeSymlink(t *testing.T) {
	tree := BuildIndexTree("default", []FileInfo{{Name: "ln", Type: FileInfoTypeSymlink, SymlinkTarget: "/target"}})
	f := tree.Directories[0].Files[0]
	if !f.IsSymlink() || f.SymlinkTarget != "/target" {
		t.Errorf("unexpected symlink entry %+v", f)
	}
}
