// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeManager struct {
	started  bool
	stopped  bool
	startErr error
}

func (f *fakeManager) Start() error { f.started = true; return f.startErr }
func (f *fakeManager) Stop() error  { f.stopped = true; return nil }

func TestSyncServiceLifecycle(t *testing.T) {
	mgr := &fakeManager{}
	svc := NewSyncService(mgr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}

	if !mgr.started || !mgr.stopped {
		t.Errorf("started=%v stopped=%v, want both true", mgr.started, mgr.stopped)
	}
}

func TestSyncServiceStartFailure(t *testing.T) {
	mgr := &fakeManager{startErr: errors.New("boom")}
	svc := NewSyncService(mgr)

	if err := svc.Serve(context.Background()); err == nil {
		t.Fatal("expected error from failed start")
	}
	if mgr.stopped {
		t.Error("Stop should not run when Start fails")
	}
}

type fakeHTTPServer struct {
	listenErr error
	shutdown  chan struct{}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.shutdown
	return nil
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	close(f.shutdown)
	return nil
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	srv := &fakeHTTPServer{shutdown: make(chan struct{})}
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestHTTPServerServiceListenFailure(t *testing.T) {
	srv := &fakeHTTPServer{listenErr: errors.New("address in use")}
	svc := NewHTTPServerService(srv, time.Second)

	if err := svc.Serve(context.Background()); err == nil {
		t.Fatal("expected listen error to surface")
	}
}
