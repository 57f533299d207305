// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discover defines the address lookup used when connecting to a
// device without a known address. The actual global discovery client is
// an external collaborator; anything implementing Resolver will do.
package discover

import (
	"context"
	"errors"

	"github.com/syncthing/stget/lib/protocol"
)

var ErrNoAddresses = errors.New("no addresses known for device")

// A Resolver maps a device ID to a set of dialable connection URLs
// (tcp:// or relay:// form).
type Resolver interface {
	Lookup(ctx context.Context, device protocol.DeviceID) ([]string, error)
}

// Static resolves every device to the same fixed address list. Useful in
// tests and for configurations where the peer address is known.
type Static []string

func (s Static) Lookup(_ context.Context, _ protocol.DeviceID) ([]string, error) {
	if len(s) == 0 {
		return nil, ErrNoAddresses
	}
	return s, nil
}
