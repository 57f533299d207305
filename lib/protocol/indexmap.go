// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"path"
	"sort"
)

// On the wire, index entries carry folder relative names without a
// leading slash, and files arrive in no particular relation to their
// directories. For the catalog we want rooted names and each directory
// holding its immediate children, so the entries are reshaped before
// application.

// An IndexDirectory is one directory of an index message with its
// immediate child files and symlinks.
type IndexDirectory struct {
	// Name is the absolute directory name, always starting with "/".
	Name string

	// Entry is the directory's own metadata. When a file arrives before
	// its directory entry, a placeholder with empty metadata is created;
	// it is replaced if the real entry shows up later in the message.
	Entry       FileInfo
	Placeholder bool

	// Files holds the directory's immediate children, names reduced to
	// their base form. Blocks are sorted by offset; peer ordering is not
	// trusted.
	Files []FileInfo
}

// An IndexTree is the reshaped form of one Index or IndexUpdate message.
type IndexTree struct {
	Folder      string
	Directories []IndexDirectory
}

// BuildIndexTree reshapes the wire level file list into directories with
// their immediate children.
func BuildIndexTree(folder string, files []FileInfo) IndexTree {
	tree := IndexTree{Folder: folder}
	byName := make(map[string]int)

	dirFor := func(name string) *IndexDirectory {
		if i, ok := byName[name]; ok {
			return &tree.Directories[i]
		}
		tree.Directories = append(tree.Directories, IndexDirectory{
			Name:        name,
			Placeholder: true,
		})
		byName[name] = len(tree.Directories) - 1
		return &tree.Directories[len(tree.Directories)-1]
	}

	for _, f := range files {
		f.Name = "/" + f.Name
		sort.Slice(f.Blocks, func(i, j int) bool {
			return f.Blocks[i].Offset < f.Blocks[j].Offset
		})

		if f.IsDirectory() {
			d := dirFor(f.Name)
			d.Entry = f
			d.Placeholder = false
			continue
		}

		parent := path.Dir(f.Name)
		f.Name = path.Base(f.Name)
		d := dirFor(parent)
		d.Files = append(d.Files, f)
	}

	return tree
}
