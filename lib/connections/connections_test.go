// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/syncthing/stget/lib/discover"
	"github.com/syncthing/stget/lib/protocol"
)

var someID = protocol.NewDeviceID([]byte("peer"))

func TestDialRejectsUnknownScheme(t *testing.T) {
	d := &Dialer{}
	_, err := d.Dial(context.Background(), "quic://example.com:22000", someID)
	if err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Errorf("expected scheme error, got %v", err)
	}
}

func TestDynamicWithoutResolver(t *testing.T) {
	d := &Dialer{}
	_, err := d.Dial(context.Background(), "dynamic", someID)
	if !errors.Is(err, discover.ErrNoAddresses) {
		t.Errorf("expected no-addresses error, got %v", err)
	}
}

func TestDynamicEmptyResolver(t *testing.T) {
	d := &Dialer{Resolver: discover.Static{}}
	_, err := d.Dial(context.Background(), "dynamic", someID)
	if !errors.Is(err, discover.ErrNoAddresses) {
		t.Errorf("expected no-addresses error, got %v", err)
	}
}
