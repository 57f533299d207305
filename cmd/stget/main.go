// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/syncthing/stget/internal/slogutil"
	"github.com/syncthing/stget/lib/blockcache"
	"github.com/syncthing/stget/lib/build"
	"github.com/syncthing/stget/lib/config"
	"github.com/syncthing/stget/lib/connections"
	"github.com/syncthing/stget/lib/db"
	"github.com/syncthing/stget/lib/events"
	"github.com/syncthing/stget/lib/model"
	"github.com/syncthing/stget/lib/protocol"
	"github.com/syncthing/stget/lib/tlsutil"
)

type cli struct {
	Config  string `help:"Path to configuration file." placeholder:"PATH"`
	Version kong.VersionFlag

	ID    idCommand    `cmd:"" help:"Print the local device ID."`
	Ls    lsCommand    `cmd:"" help:"List a directory on the peer."`
	Cat   catCommand   `cmd:"" help:"Print a file from the peer to stdout."`
	Stat  statCommand  `cmd:"" help:"Print the attributes of a path."`
	Sync  syncCommand  `cmd:"" help:"Set the caching mode of a directory subtree."`
	Serve serveCommand `cmd:"" help:"Stay connected and keep the catalog and cache current."`
}

func main() {
	slogutil.SetupLogging()

	var args cli
	ctx := kong.Parse(&args, kong.Vars{"version": build.LongVersion})
	if err := ctx.Run(&args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type idCommand struct{}

func (*idCommand) Run(args *cli) error {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return err
	}
	id, err := tlsutil.LocalDeviceID(cfg.CertFile)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// app wires up the full stack for the connected commands.
type app struct {
	cfg   config.Configuration
	sdb   *db.DB
	model *model.Model
	sub   *events.Subscription
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	peerID, err := protocol.DeviceIDFromString(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("peer device ID: %w", err)
	}

	cert, err := tlsutil.LoadCertificate(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	localID := protocol.NewDeviceID(cert.Certificate[0])

	sdb, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	cache, err := blockcache.New(cfg.CachePath)
	if err != nil {
		sdb.Close()
		return nil, err
	}

	dialer := &connections.Dialer{Cert: cert}
	if cfg.DownloadLimitKBps > 0 {
		bps := cfg.DownloadLimitKBps * 1024
		dialer.DownloadLimit = rate.NewLimiter(rate.Limit(bps), bps)
	}

	evl := events.NewLogger()
	sub := evl.Subscribe(events.AllEvents)
	m := model.New(cfg.DeviceName, localID, peerID, cfg.Address, sdb, cache, dialer, evl)

	return &app{cfg: cfg, sdb: sdb, model: m, sub: sub}, nil
}

func (a *app) close() {
	a.model.Close()
	a.sdb.Close()
}

// connectAndSettle connects, then gives the peer a moment to stream the
// initial index so listings have something to show.
func (a *app) connectAndSettle(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.model.Connect(connectCtx); err != nil {
		return err
	}

	settle := time.NewTimer(10 * time.Second)
	defer settle.Stop()
	quiet := time.NewTimer(2 * time.Second)
	defer quiet.Stop()
	for {
		select {
		case ev := <-a.sub.C():
			if ev.Type == events.Updated {
				quiet.Reset(2 * time.Second)
			}
		case <-quiet.C:
			return nil
		case <-settle.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type lsCommand struct {
	Path string `arg:"" default:"/" help:"Absolute path, /folder/..."`
}

func (c *lsCommand) Run(args *cli) error {
	a, err := newApp(args.Config)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.connectAndSettle(context.Background()); err != nil {
		return err
	}

	entries, err := a.model.List(c.Path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Type {
		case db.EntryTypeDirectory:
			fmt.Printf("%-10s %10s  %s/\n", "drwx", "", e.Name)
		case db.EntryTypeSymlink:
			fmt.Printf("%-10s %10s  %s@\n", "lrwx", "", e.Name)
		default:
			fmt.Printf("%-10s %10d  %s\n", "-rwx", e.Size, e.Name)
		}
	}
	return nil
}

type catCommand struct {
	Path   string `arg:"" help:"Absolute path, /folder/..."`
	Offset int64  `help:"Start offset." default:"0"`
	Length int64  `help:"Bytes to read; zero means the whole file." default:"0"`
}

func (c *catCommand) Run(args *cli) error {
	a, err := newApp(args.Config)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	if err := a.connectAndSettle(ctx); err != nil {
		return err
	}

	attr, err := a.model.Attributes(c.Path)
	if err != nil {
		return err
	}
	if attr == nil {
		return fmt.Errorf("no such file: %s", c.Path)
	}

	remaining := attr.Size - c.Offset
	if c.Length > 0 && c.Length < remaining {
		remaining = c.Length
	}

	pos := c.Offset
	for remaining > 0 {
		chunk := int64(model.MaxReadSize)
		if remaining < chunk {
			chunk = remaining
		}
		data, err := a.model.Read(ctx, c.Path, pos, chunk)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
		pos += int64(len(data))
		remaining -= int64(len(data))
	}
	return nil
}

type statCommand struct {
	Path string `arg:"" help:"Absolute path, /folder/..."`
}

func (c *statCommand) Run(args *cli) error {
	a, err := newApp(args.Config)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.connectAndSettle(context.Background()); err != nil {
		return err
	}

	attr, err := a.model.Attributes(c.Path)
	if err != nil {
		return err
	}
	if attr == nil {
		return fmt.Errorf("no such entry: %s", c.Path)
	}
	fmt.Printf("name: %s\ntype: %d\nsize: %d\npermissions: %04o\nmodified: %s\n",
		attr.Name, attr.Type, attr.Size, attr.Permissions, attr.Modified.Format(time.RFC3339))
	return nil
}

type syncCommand struct {
	Path string `arg:"" help:"Absolute path, /folder/..."`
	Mode string `arg:"" enum:"none,download,full" help:"Caching mode: none, download or full."`
}

func (c *syncCommand) Run(args *cli) error {
	a, err := newApp(args.Config)
	if err != nil {
		return err
	}
	defer a.close()

	var mode db.SyncMode
	switch c.Mode {
	case "none":
		mode = db.SyncNone
	case "download":
		mode = db.SyncDownload
	case "full":
		mode = db.SyncFull
	}
	return a.model.SetSync(c.Path, mode)
}

type serveCommand struct{}

func (*serveCommand) Run(args *cli) error {
	a, err := newApp(args.Config)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := suture.New("stget", suture.Spec{
		FailureThreshold: 5,
		FailureBackoff:   time.Minute,
	})
	sup.Add(a.model)
	errc := sup.ServeBackground(ctx)

	select {
	case err := <-errc:
		if err != nil && ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}
	return nil
}
