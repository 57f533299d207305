// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package slogutil holds the small helpers around log/slog that the rest
// of the code shares.
package slogutil

import (
	"log/slog"
	"os"
	"strings"
)

// Error returns an attribute for an error value, so call sites read
// slog.Info("...", slogutil.Error(err)).
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// SetupLogging installs the default text handler. Any non-empty STTRACE
// value sets the handler's level to debug; the value is not matched
// against package names here (DebugEnabled does that check).
func SetupLogging() {
	level := slog.LevelInfo
	if os.Getenv("STTRACE") != "" {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}

// DebugEnabled reports whether debug logging was requested for the given
// package.
func DebugEnabled(pkg string) bool {
	trace := os.Getenv("STTRACE")
	if trace == "" {
		return false
	}
	if trace == "all" {
		return true
	}
	for _, p := range strings.Split(trace, ",") {
		if strings.TrimSpace(p) == pkg {
			return true
		}
	}
	return false
}
