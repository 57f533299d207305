// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package build

import (
	"fmt"
	"runtime"
)

var (
	// Injected by build script
	Version = "unknown-dev"

	// Set by init()
	LongVersion string
)

func init() {
	LongVersion = fmt.Sprintf("stget %s (%s %s-%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
