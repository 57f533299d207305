// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scheduler queues block requests towards the peer: a bounded
// number in flight, urgent requests first, with per request timeouts,
// retries and hash verification of the responses.
package scheduler

import (
	"bytes"
	"container/heap"
	"crypto/sha256"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/syncthing/stget/lib/db"
	"github.com/syncthing/stget/lib/protocol"
)

type Priority int

const (
	PriorityBackground Priority = 0
	PriorityUser       Priority = 1
)

const (
	DefaultConcurrent = 5
	DefaultTimeout    = 2 * time.Second
	DefaultRetries    = 2

	// Request IDs wrap before 2^53 and are never zero.
	maxRequestID = 1<<53 - 1
)

var (
	// ErrRequestTimeout is returned when a request exhausted its retries.
	ErrRequestTimeout = errors.New("block request timed out")
	// ErrRemoved is returned when the request was dropped because its
	// file went away or the caller cancelled.
	ErrRemoved = errors.New("block request removed")
)

var l = slog.With("pkg", "scheduler")

// SendFunc transmits one request to the peer.
type SendFunc func(req *protocol.Request) error

// Callback delivers the verified block bytes, or the error the request
// ended with.
type Callback func(data []byte, err error)

type blockKey struct {
	fileID int64
	offset int64
}

type pending struct {
	req       db.BlockRequest
	priority  Priority
	retries   int
	seq       int64 // insertion order, for stable scheduling
	heapIndex int   // -1 while not queued

	active bool
	id     int64
	timer  *time.Timer

	callbacks []Callback
}

// Scheduler owns the request queue. All state is behind one mutex; the
// callbacks run without it held.
type Scheduler struct {
	Concurrent int
	Timeout    time.Duration
	Retries    int

	mut     sync.Mutex
	send    SendFunc
	queue   requestHeap
	byKey   map[blockKey]*pending
	active  map[int64]*pending
	nextID  int64
	nextSeq int64
}

func New(send SendFunc) *Scheduler {
	return &Scheduler{
		Concurrent: DefaultConcurrent,
		Timeout:    DefaultTimeout,
		Retries:    DefaultRetries,
		send:       send,
		byKey:      make(map[blockKey]*pending),
		active:     make(map[int64]*pending),
	}
}

// SetSend swaps the transport callback, e.g. after a reconnect. Queued
// requests start flowing again immediately.
func (s *Scheduler) SetSend(send SendFunc) {
	s.mut.Lock()
	s.send = send
	s.mut.Unlock()
	s.process()
}

// Add enqueues a block request. A request for the same block that is
// already queued is coalesced; its priority only ever goes up.
func (s *Scheduler) Add(req db.BlockRequest, priority Priority, cb Callback) {
	s.mut.Lock()
	key := blockKey{req.FileID, req.Offset}
	if p, ok := s.byKey[key]; ok {
		if cb != nil {
			p.callbacks = append(p.callbacks, cb)
		}
		if priority > p.priority {
			p.priority = priority
			if p.heapIndex >= 0 {
				heap.Fix(&s.queue, p.heapIndex)
			}
		}
		s.mut.Unlock()
		return
	}

	p := &pending{
		req:       req,
		priority:  priority,
		retries:   s.Retries,
		seq:       s.nextSeq,
		heapIndex: -1,
	}
	s.nextSeq++
	if cb != nil {
		p.callbacks = append(p.callbacks, cb)
	}
	s.byKey[key] = p
	heap.Push(&s.queue, p)
	s.mut.Unlock()

	s.process()
}

// Wait is the synchronous variant of Add: it blocks until the block
// arrives verified or the request fails.
func (s *Scheduler) Wait(req db.BlockRequest, priority Priority) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	s.Add(req, priority, func(data []byte, err error) {
		ch <- result{data, err}
	})
	res := <-ch
	return res.data, res.err
}

// process fills free slots with the most urgent queued requests.
func (s *Scheduler) process() {
	for {
		s.mut.Lock()
		if s.send == nil || len(s.active) >= s.Concurrent || s.queue.Len() == 0 {
			s.mut.Unlock()
			return
		}
		p := heap.Pop(&s.queue).(*pending)

		s.nextID++
		if s.nextID > maxRequestID {
			s.nextID = 1
		}
		p.id = s.nextID
		p.active = true
		s.active[p.id] = p

		wireReq := &protocol.Request{
			ID:     p.id,
			Folder: p.req.Folder,
			Name:   p.req.Name,
			Offset: p.req.Offset,
			Size:   int32(p.req.Size),
			Hash:   p.req.Hash,
		}
		id := p.id
		p.timer = time.AfterFunc(s.Timeout, func() { s.expire(id) })
		send := s.send
		s.mut.Unlock()

		if err := send(wireReq); err != nil {
			// The connection is gone; the timeout path will retry or
			// fail the request once reconnected requests are possible.
			l.Debug("sending request failed", "id", id, "err", err)
		}
	}
}

// expire handles a request timeout: back into the queue while retries
// remain, otherwise fail it.
func (s *Scheduler) expire(id int64) {
	s.mut.Lock()
	p, ok := s.active[id]
	if !ok {
		s.mut.Unlock()
		return
	}
	delete(s.active, id)
	p.active = false
	p.id = 0

	if p.retries > 0 {
		p.retries--
		heap.Push(&s.queue, p)
		s.mut.Unlock()
		s.process()
		return
	}

	delete(s.byKey, blockKey{p.req.FileID, p.req.Offset})
	cbs := p.callbacks
	s.mut.Unlock()

	l.Debug("block request timed out", "folder", p.req.Folder, "name", p.req.Name, "offset", p.req.Offset)
	for _, cb := range cbs {
		cb(nil, ErrRequestTimeout)
	}
	s.process()
}

// Received delivers a response from the peer. Data is verified against
// the block hash; a mismatch leaves the request in flight so the timeout
// path retries it.
func (s *Scheduler) Received(id int64, data []byte, respErr error) {
	s.mut.Lock()
	p, ok := s.active[id]
	if !ok {
		s.mut.Unlock()
		l.Debug("response for unknown request", "id", id)
		return
	}

	if respErr == nil {
		hash := sha256.Sum256(data)
		if !bytes.Equal(hash[:], p.req.Hash) {
			s.mut.Unlock()
			l.Warn("block hash mismatch", "folder", p.req.Folder, "name", p.req.Name, "offset", p.req.Offset)
			return
		}
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.active, id)
	delete(s.byKey, blockKey{p.req.FileID, p.req.Offset})
	cbs := p.callbacks
	s.mut.Unlock()

	for _, cb := range cbs {
		cb(data, respErr)
	}
	s.process()
}

// Remove drops every request for the named file, queued or in flight,
// failing their callbacks with ErrRemoved.
func (s *Scheduler) Remove(folder, name string) {
	s.fail(ErrRemoved, func(p *pending) bool {
		return p.req.Folder == folder && p.req.Name == name
	})
}

// FailAll drops everything, for connection teardown.
func (s *Scheduler) FailAll(err error) {
	s.fail(err, func(*pending) bool { return true })
}

func (s *Scheduler) fail(err error, match func(*pending) bool) {
	s.mut.Lock()
	var failed []*pending
	for key, p := range s.byKey {
		if !match(p) {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		if p.active {
			delete(s.active, p.id)
		} else if p.heapIndex >= 0 {
			heap.Remove(&s.queue, p.heapIndex)
		}
		delete(s.byKey, key)
		failed = append(failed, p)
	}
	s.mut.Unlock()

	for _, p := range failed {
		for _, cb := range p.callbacks {
			cb(nil, err)
		}
	}
	s.process()
}

// QueuedRequests returns the number of requests waiting or in flight.
func (s *Scheduler) QueuedRequests() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.byKey)
}

// requestHeap orders by priority, most urgent first, then by insertion.
type requestHeap []*pending

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *requestHeap) Push(x any) {
	p := x.(*pending)
	p.heapIndex = len(*h)
	*h = append(*h, p)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIndex = -1
	*h = old[:n-1]
	return p
}
