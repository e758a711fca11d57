// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.
package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/energyhub/permission-mediation/internal/routing"
	"github.com/energyhub/permission-mediation/pkg/core"
)

func newManager(t *testing.T) (*Manager, *routing.Router) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	router := routing.NewRouter(routing.NewTable(), logger, nil)
	t.Cleanup(router.Close)
	return NewManager(router, logger, nil), router
}

func next(t *testing.T, sess *Session) core.Envelope {
	t.Helper()
	select {
	case env, ok := <-sess.Downstream:
		if !ok {
			t.Fatal("downstream closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return core.Envelope{}
}

func TestCreateSession(t *testing.T) {
	mgr, _ := newManager(t)

	sess, err := mgr.CreateSession(context.Background(), "sse", "client-1", Options{
		Kinds:     []core.EnvelopeKind{core.KindConnectionStatus},
		Subscribe: core.SubscribeOptions{Buffer: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.SubscriberID != "client-1" {
		t.Fatalf("expected client-1, got %s", sess.SubscriberID)
	}
	if cap(sess.Downstream) != 5 {
		t.Fatalf("expected channel size 5, got %d", cap(sess.Downstream))
	}
	if mgr.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", mgr.ActiveCount())
	}
	if found, ok := mgr.SessionBySubscriberID("client-1"); !ok || found.ID != sess.ID {
		t.Fatal("expected session to be found by subscriber id")
	}

	if err := mgr.DestroySession(sess.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end")
	}
	if _, ok := <-sess.Downstream; ok {
		t.Fatal("expected downstream to be closed")
	}
	if mgr.ActiveCount() != 0 {
		t.Fatalf("expected 0 active sessions after destroy, got %d", mgr.ActiveCount())
	}
}

func TestSessionMergesKinds(t *testing.T) {
	mgr, router := newManager(t)
	sess, err := mgr.CreateSession(context.Background(), "ws", "client-1", Options{
		Kinds:     []core.EnvelopeKind{core.KindConnectionStatus, core.KindValidatedHistoricalData},
		Subscribe: core.SubscribeOptions{Buffer: 8, Overflow: core.OverflowBlock},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.DestroySession(sess.ID)

	router.Inject(context.Background(), core.Envelope{ID: "cs-1", Kind: core.KindConnectionStatus})
	router.Inject(context.Background(), core.Envelope{ID: "vhd-1", Kind: core.KindValidatedHistoricalData})
	router.Inject(context.Background(), core.Envelope{ID: "raw-1", Kind: core.KindRawData})

	got := map[string]bool{next(t, sess).ID: true, next(t, sess).ID: true}
	if !got["cs-1"] || !got["vhd-1"] {
		t.Fatalf("expected both subscribed kinds, got %v", got)
	}
	select {
	case env := <-sess.Downstream:
		t.Fatalf("unsubscribed kind delivered: %s", env.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionConnectionFilter(t *testing.T) {
	mgr, router := newManager(t)
	sess, err := mgr.CreateSession(context.Background(), "httpget", "client-1", Options{
		Kinds:        []core.EnvelopeKind{core.KindRawData},
		Subscribe:    core.SubscribeOptions{Buffer: 8, Overflow: core.OverflowBlock},
		ConnectionID: "conn-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.DestroySession(sess.ID)

	router.Inject(context.Background(), core.Envelope{ID: "b", Kind: core.KindRawData, ConnectionID: "conn-b"})
	router.Inject(context.Background(), core.Envelope{ID: "a", Kind: core.KindRawData, ConnectionID: "conn-a"})

	if env := next(t, sess); env.ID != "a" {
		t.Fatalf("expected only conn-a envelopes, got %s", env.ID)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	mgr, _ := newManager(t)

	if _, err := mgr.CreateSession(context.Background(), "sse", "client-1", Options{}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	_, err := mgr.CreateSession(context.Background(), "sse", "client-1", Options{Kinds: []core.EnvelopeKind{"bogus"}})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDestroyNonexistentSession(t *testing.T) {
	mgr, _ := newManager(t)

	err := mgr.DestroySession("nonexistent")
	if !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDestroyAll(t *testing.T) {
	mgr, _ := newManager(t)

	var sessions []*Session
	for i := 0; i < 5; i++ {
		sess, err := mgr.CreateSession(context.Background(), "sse", "client", Options{
			Kinds: []core.EnvelopeKind{core.KindRawData},
		})
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, sess)
	}

	mgr.DestroyAll()
	for _, sess := range sessions {
		<-sess.Done()
	}
	if mgr.ActiveCount() != 0 {
		t.Fatalf("expected 0 sessions, got %d", mgr.ActiveCount())
	}
}

func TestSessionEndsWithParentContext(t *testing.T) {
	mgr, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := mgr.CreateSession(ctx, "ws", "client-1", Options{Kinds: []core.EnvelopeKind{core.KindRawData}})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end with its context")
	}
	if mgr.ActiveCount() != 0 {
		t.Fatalf("expected ended session to be removed, got %d", mgr.ActiveCount())
	}
}
