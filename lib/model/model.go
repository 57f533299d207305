// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package model ties the pieces together: it drives the connection to
// the peer, routes decoded messages into the catalog store and the
// request scheduler, and exposes the attributes/list/read API.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syncthing/stget/lib/blockcache"
	"github.com/syncthing/stget/lib/build"
	"github.com/syncthing/stget/lib/connections"
	"github.com/syncthing/stget/lib/db"
	"github.com/syncthing/stget/lib/events"
	"github.com/syncthing/stget/lib/protocol"
	"github.com/syncthing/stget/lib/scheduler"
)

// MaxReadSize is the largest single read we accept.
const MaxReadSize = 10 << 20

// refillBatch bounds how many background requests one index update may
// spawn.
const refillBatch = 64

var (
	ErrReadTooLarge = errors.New("read length exceeds 10 MiB")
	ErrNotConnected = errors.New("not connected")
)

var l = slog.With("pkg", "model")

type Model struct {
	deviceName string
	localID    protocol.DeviceID
	peerID     protocol.DeviceID
	address    string

	sdb    *db.DB
	cache  *blockcache.Cache
	sched  *scheduler.Scheduler
	dialer *connections.Dialer
	evl    *events.Logger

	mut       sync.Mutex
	conn      protocol.Connection
	connected bool
	waiters   []chan error
}

// New assembles a model. Connections are made by Serve or Connect.
func New(deviceName string, localID, peerID protocol.DeviceID, address string, sdb *db.DB, cache *blockcache.Cache, dialer *connections.Dialer, evl *events.Logger) *Model {
	m := &Model{
		deviceName: deviceName,
		localID:    localID,
		peerID:     peerID,
		address:    address,
		sdb:        sdb,
		cache:      cache,
		dialer:     dialer,
		evl:        evl,
	}
	m.sched = scheduler.New(nil)
	return m
}

// Events returns the event logger for subscriptions.
func (m *Model) Events() *events.Logger {
	return m.evl
}

// Serve dials the peer and runs the connection until it fails or ctx is
// cancelled. It implements suture.Service; the supervisor restarts it
// with backoff.
func (m *Model) Serve(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		m.failWaiters(err)
		m.evl.Log(events.Failure, err.Error())
		return err
	}

	select {
	case <-conn.Closed():
	case <-ctx.Done():
		conn.Close(ctx.Err())
		<-conn.Closed()
		return ctx.Err()
	}
	return ErrNotConnected
}

// Connect dials once and resolves when the cluster config exchange has
// completed, or fails with the fatal connection error.
func (m *Model) Connect(ctx context.Context) error {
	ch := make(chan error, 1)
	m.mut.Lock()
	if m.connected {
		m.mut.Unlock()
		return nil
	}
	m.waiters = append(m.waiters, ch)
	needDial := m.conn == nil
	m.mut.Unlock()

	if needDial {
		if _, err := m.dial(ctx); err != nil {
			m.failWaiters(err)
			return err
		}
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Model) dial(ctx context.Context) (protocol.Connection, error) {
	raw, err := m.dialer.Dial(ctx, m.address, m.peerID)
	if err != nil {
		return nil, err
	}

	hello := protocol.Hello{
		DeviceName:    m.deviceName,
		ClientName:    "stget",
		ClientVersion: build.Version,
	}
	peerHello, err := protocol.ExchangeHello(raw, hello)
	if err != nil {
		raw.Close()
		return nil, err
	}
	l.Info("connected to device",
		"device", m.peerID.Short(),
		"name", peerHello.DeviceName,
		"client", fmt.Sprintf("%s %s", peerHello.ClientName, peerHello.ClientVersion))

	conn := protocol.NewConnection(m.peerID, raw, raw, raw, m)

	m.mut.Lock()
	m.conn = conn
	m.mut.Unlock()

	conn.Start()
	m.sched.SetSend(conn.SendRequest)
	return conn, nil
}

func (m *Model) failWaiters(err error) {
	m.mut.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.mut.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}

// ClusterConfig handles the peer's opening message: the catalog learns
// the announced folders and devices, we answer with our own view, and
// only then is the connection considered established.
func (m *Model) ClusterConfig(cc *protocol.ClusterConfig) error {
	if err := m.sdb.UpdateClusterConfig(cc, m.localID, m.deviceName); err != nil {
		return err
	}

	ours, err := m.sdb.ClusterConfigFor(m.peerID, m.localID, m.deviceName)
	if err != nil {
		return err
	}

	m.mut.Lock()
	conn := m.conn
	m.connected = true
	waiters := m.waiters
	m.waiters = nil
	m.mut.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	conn.ClusterConfig(ours)

	for _, ch := range waiters {
		ch <- nil
	}
	m.evl.Log(events.Connected, m.peerID.String())
	return nil
}

func (m *Model) Index(idx *protocol.Index) error {
	return m.applyIndex(protocol.BuildIndexTree(idx.Folder, idx.Files))
}

func (m *Model) IndexUpdate(idxUp *protocol.IndexUpdate) error {
	return m.applyIndex(protocol.BuildIndexTree(idxUp.Folder, idxUp.Files))
}

func (m *Model) applyIndex(tree protocol.IndexTree) error {
	updated, err := m.sdb.UpdateIndex(tree, m.localID)
	if err != nil {
		return err
	}
	if updated {
		// Cached content may be affected: fetch what's missing under
		// fully synced directories, drop what is now stale.
		go m.refill()
		go m.cleanup()
	}
	m.evl.Log(events.Updated, tree.Folder)
	return nil
}

// Response unblocks the matching scheduled request. Bytes are verified by
// the scheduler; verified blocks are written through to the cache by the
// requester: Read once its wait returns, or the refill callbacks.
func (m *Model) Response(resp *protocol.Response) {
	err := resp.Error()
	if err != nil {
		l.Warn("request failed at peer", "id", resp.ID, "err", err)
	}
	m.sched.Received(resp.ID, resp.Data, err)
}

func (m *Model) Closed(err error) {
	m.mut.Lock()
	m.conn = nil
	m.connected = false
	m.mut.Unlock()

	m.sched.SetSend(nil)
	m.sched.FailAll(protocol.ErrClosed)
	m.failWaiters(err)
	m.evl.Log(events.Closed, errString(err))
	l.Info("connection closed", "device", m.peerID.Short(), "err", err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Attributes returns the entry at the given absolute path, or nil when
// no such entry exists.
func (m *Model) Attributes(path string) (*db.ListEntry, error) {
	return m.sdb.Attributes(path)
}

// List returns the entries of the directory at the given absolute path.
func (m *Model) List(path string) ([]db.ListEntry, error) {
	return m.sdb.List(path)
}

// SetSync marks a subtree for the given level of local caching.
func (m *Model) SetSync(path string, mode db.SyncMode) error {
	return m.sdb.SetSync(path, mode)
}

// Read returns up to length bytes at position from the file at path.
// Cached blocks are used when they verify; everything else is requested
// from the peer at user priority. The returned data is assembled in
// offset order regardless of fetch completion order.
func (m *Model) Read(ctx context.Context, path string, position, length int64) ([]byte, error) {
	if length > MaxReadSize {
		return nil, ErrReadTooLarge
	}
	if length <= 0 {
		return nil, nil
	}

	plan, err := m.sdb.BlocksForRead(path, position, length)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, nil
	}

	type fetchResult struct {
		data []byte
		err  error
	}
	results := make([]chan fetchResult, len(plan))
	for i, blk := range plan {
		ch := make(chan fetchResult, 1)
		results[i] = ch
		go func(blk db.BlockRequest) {
			data, err := m.fetchBlock(blk)
			ch <- fetchResult{data, err}
		}(blk)
	}

	out := make([]byte, 0, length)
	for i, blk := range plan {
		var res fetchResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			m.sched.Remove(blk.Folder, blk.Name)
			return nil, ctx.Err()
		}
		if res.err != nil {
			m.sched.Remove(blk.Folder, blk.Name)
			return nil, res.err
		}

		start := int64(0)
		if position > blk.Offset {
			start = position - blk.Offset
		}
		end := blk.Size
		if e := position + length - blk.Offset; e < end {
			end = e
		}
		if start > int64(len(res.data)) {
			continue
		}
		if end > int64(len(res.data)) {
			end = int64(len(res.data))
		}
		out = append(out, res.data[start:end]...)
	}
	return out, nil
}

// fetchBlock returns the verified bytes of one block, from cache when
// possible, otherwise from the peer. A cached block that fails to verify
// is marked stale and re-requested.
func (m *Model) fetchBlock(blk db.BlockRequest) ([]byte, error) {
	if blk.Cached == db.BlockPresent {
		data, err := m.cache.ReadBlock(blk.Folder, blk.FileID, blk.Offset, blk.Size, blk.Hash)
		if err != nil {
			l.Warn("cache read failed", "folder", blk.Folder, "name", blk.Name, "err", err)
		}
		if data != nil {
			return data, nil
		}
		// Absent or corrupt on disk; the catalog thought otherwise.
		if err := m.sdb.SetBlockCached(blk.BlockID, db.BlockStale); err != nil {
			return nil, err
		}
	}

	data, err := m.sched.Wait(blk, scheduler.PriorityUser)
	if err != nil {
		return nil, err
	}
	m.storeVerified(blk, data)
	return data, nil
}

// storeVerified writes a verified block through to the cache and flips
// its catalog state to present.
func (m *Model) storeVerified(blk db.BlockRequest, data []byte) {
	if err := m.cache.WriteBlock(blk.Folder, blk.FileID, blk.Offset, data); err != nil {
		l.Warn("writing block to cache", "folder", blk.Folder, "name", blk.Name, "err", err)
		return
	}
	if err := m.sdb.SetBlockCached(blk.BlockID, db.BlockPresent); err != nil {
		l.Warn("marking block cached", "folder", blk.Folder, "name", blk.Name, "err", err)
	}
}

// refill requests absent blocks under fully synced directories at
// background priority.
func (m *Model) refill() {
	reqs, err := m.sdb.BlocksToRequest(refillBatch)
	if err != nil {
		l.Warn("listing blocks to request", "err", err)
		return
	}
	for _, req := range reqs {
		req := req
		m.sched.Add(req, scheduler.PriorityBackground, func(data []byte, err error) {
			if err != nil {
				l.Debug("background fetch failed", "folder", req.Folder, "name", req.Name, "err", err)
				return
			}
			m.storeVerified(req, data)
		})
	}
}

// cleanup removes cache files for blocks the catalog has marked stale.
func (m *Model) cleanup() {
	stale, err := m.sdb.StaleBlocks()
	if err != nil {
		l.Warn("listing stale blocks", "err", err)
		return
	}
	for _, sb := range stale {
		if err := m.cache.Remove(sb.Folder, sb.FileID, sb.Offset); err != nil {
			l.Warn("removing stale block", "folder", sb.Folder, "file", sb.FileID, "err", err)
			continue
		}
		if err := m.sdb.ForgetStaleBlock(sb); err != nil {
			l.Warn("forgetting stale block", "folder", sb.Folder, "file", sb.FileID, "err", err)
		}
	}
}

// Close tears down the connection, if any.
func (m *Model) Close() {
	m.mut.Lock()
	conn := m.conn
	m.mut.Unlock()
	if conn != nil {
		conn.Close(nil)
		select {
		case <-conn.Closed():
		case <-time.After(5 * time.Second):
		}
	}
}
