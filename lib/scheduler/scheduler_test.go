// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/syncthing/stget/lib/db"
	"github.com/syncthing/stget/lib/protocol"
)

type sendRecorder struct {
	mut  sync.Mutex
	reqs []*protocol.Request
	ch   chan *protocol.Request
}

func newSendRecorder() *sendRecorder {
	return &sendRecorder{ch: make(chan *protocol.Request, 64)}
}

func (r *sendRecorder) send(req *protocol.Request) error {
	r.mut.Lock()
	r.reqs = append(r.reqs, req)
	r.mut.Unlock()
	r.ch <- req
	return nil
}

func blockReq(fileID, offset int64, data []byte) db.BlockRequest {
	hash := sha256.Sum256(data)
	return db.BlockRequest{
		Folder: "default",
		Name:   "a/b.txt",
		FileID: fileID,
		Offset: offset,
		Size:   int64(len(data)),
		Hash:   hash[:],
	}
}

func TestWaitDeliversVerifiedData(t *testing.T) {
	rec := newSendRecorder()
	s := New(rec.send)

	data := []byte("block content")
	go func() {
		req := <-rec.ch
		s.Received(req.ID, data, nil)
	}()

	got, err := s.Wait(blockReq(1, 0, data), PriorityUser)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("got %q", got)
	}
	if n := s.QueuedRequests(); n != 0 {
		t.Errorf("%d requests left in queue", n)
	}
}

func TestHashMismatchLeavesRequestInFlight(t *testing.T) {
	rec := newSendRecorder()
	s := New(rec.send)
	s.Timeout = 100 * time.Millisecond
	s.Retries = 0

	go func() {
		req := <-rec.ch
		// Wrong bytes: the scheduler must not resolve on these, and the
		// timeout path fails the request.
		s.Received(req.ID, []byte("not the right data"), nil)
	}()

	_, err := s.Wait(blockReq(1, 0, []byte("right data")), PriorityUser)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestTimeoutRetries(t *testing.T) {
	rec := newSendRecorder()
	s := New(rec.send)
	s.Timeout = 50 * time.Millisecond
	s.Retries = 2

	done := make(chan error, 1)
	s.Add(blockReq(1, 0, []byte("data")), PriorityUser, func(_ []byte, err error) {
		done <- err
	})

	var ids []int64
	for i := 0; i < 3; i++ {
		select {
		case req := <-rec.ch:
			ids = append(ids, req.ID)
		case <-time.After(time.Second):
			t.Fatalf("expected transmission %d", i+1)
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("expected timeout error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request never failed")
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			t.Error("request IDs should be fresh per transmission")
		}
	}
}

func TestDuplicateCoalesced(t *testing.T) {
	rec := newSendRecorder()
	// No slots available: everything stays queued.
	s := New(rec.send)
	s.Concurrent = 0

	req := blockReq(1, 0, []byte("data"))
	s.Add(req, PriorityBackground, nil)
	s.Add(req, PriorityBackground, nil)
	s.Add(req, PriorityUser, nil)

	if n := s.QueuedRequests(); n != 1 {
		t.Errorf("expected 1 coalesced request, got %d", n)
	}
	s.mut.Lock()
	p := s.byKey[blockKey{1, 0}]
	if p.priority != PriorityUser {
		t.Errorf("priority %d was not raised to user", p.priority)
	}
	s.mut.Unlock()
}

func TestUserJumpsQueue(t *testing.T) {
	rec := newSendRecorder()
	s := New(rec.send)
	s.Concurrent = 1

	first := blockReq(1, 0, []byte("first"))
	s.Add(first, PriorityBackground, nil)
	// Occupies the only slot.
	var firstWire *protocol.Request
	select {
	case firstWire = <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("first request not transmitted")
	}

	for i := int64(1); i <= 4; i++ {
		s.Add(blockReq(1, i*1000, []byte("bg")), PriorityBackground, nil)
	}
	user := blockReq(2, 0, []byte("user data"))
	s.Add(user, PriorityUser, nil)

	// Complete the in-flight request; the user request must get the
	// freed slot before the queued backgrounds.
	s.Received(firstWire.ID, []byte("first"), nil)

	select {
	case req := <-rec.ch:
		if req.Offset != 0 || req.Folder != "default" || req.Name != user.Name {
			t.Errorf("expected the user request next, got %+v", req)
		}
		hash := sha256.Sum256([]byte("user data"))
		if string(req.Hash) != string(hash[:]) {
			t.Error("expected the user request's hash")
		}
	case <-time.After(time.Second):
		t.Fatal("no request transmitted after slot freed")
	}
}

func TestRemoveFailsPending(t *testing.T) {
	rec := newSendRecorder()
	s := New(rec.send)
	s.Concurrent = 0

	done := make(chan error, 1)
	s.Add(blockReq(1, 0, []byte("data")), PriorityBackground, func(_ []byte, err error) {
		done <- err
	})
	s.Remove("default", "a/b.txt")

	select {
	case err := <-done:
		if !errors.Is(err, ErrRemoved) {
			t.Errorf("expected removed error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
	if n := s.QueuedRequests(); n != 0 {
		t.Errorf("%d requests left after remove", n)
	}
}

func TestResponseErrorFailsRequest(t *testing.T) {
	rec := newSendRecorder()
	s := New(rec.send)

	errNoSuchFile := errors.New("no such file")
	go func() {
		req := <-rec.ch
		s.Received(req.ID, nil, errNoSuchFile)
	}()

	_, err := s.Wait(blockReq(1, 0, []byte("data")), PriorityUser)
	if !errors.Is(err, errNoSuchFile) {
		t.Errorf("expected peer error, got %v", err)
	}
}

func TestRequestIDsNeverZero(t *testing.T) {
	rec := newSendRecorder()
	s := New(rec.send)
	s.nextID = maxRequestID // next assignment must wrap, skipping zero

	go func() {
		req := <-rec.ch
		if req.ID == 0 {
			t.Error("request ID must never be zero")
		}
		s.Received(req.ID, []byte("data"), nil)
	}()

	if _, err := s.Wait(blockReq(1, 0, []byte("data")), PriorityUser); err != nil {
		t.Fatal(err)
	}
}
