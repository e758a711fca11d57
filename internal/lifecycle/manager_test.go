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

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/energyhub/permission-mediation/internal/eventlog"
	"github.com/energyhub/permission-mediation/internal/projection"
	"github.com/energyhub/permission-mediation/pkg/core"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store     *eventlog.MemoryStore
	projector *projection.Projector
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := eventlog.NewMemoryStore()
	projector := projection.NewProjector(store, projection.NewMemoryView(), nil)
	manager := NewManager(store, projector, nil).WithClock(func() time.Time { return t0 })
	return &fixture{store: store, projector: projector, manager: manager}
}

func newRequest(pid string) core.PermissionRequest {
	return core.NewPermissionRequest(pid, "conn-"+pid, "dn-1",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		core.DataSource{Country: "AT", RegionConnector: "at-eda"},
		t0)
}

func (f *fixture) create(t *testing.T, pid string, path ...core.Status) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.manager.Create(ctx, newRequest(pid)); err != nil {
		t.Fatalf("create %s: %v", pid, err)
	}
	for _, s := range path {
		if _, err := f.manager.Transition(ctx, pid, s, ""); err != nil {
			t.Fatalf("transition %s -> %s: %v", pid, s, err)
		}
	}
}

func eventCount(t *testing.T, store eventlog.Store, pid string) int {
	t.Helper()
	events, err := store.Load(context.Background(), pid)
	if err != nil {
		t.Fatal(err)
	}
	return len(events)
}

var happyPath = []core.Status{core.StatusSentToAdministrator, core.StatusValidated, core.StatusAccepted}

func TestTransitionHappyPath(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1", happyPath...)

	pr, err := f.manager.GetByPermissionID(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if pr.Status != core.StatusAccepted || pr.Version != 4 {
		t.Fatalf("unexpected state: %s v%d", pr.Status, pr.Version)
	}
}

func TestInvalidTransitionAppendsNothing(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1", append(happyPath, core.StatusTerminated)...)
	before := eventCount(t, f.store, "p1")

	_, err := f.manager.Transition(context.Background(), "p1", core.StatusAccepted, "")
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if after := eventCount(t, f.store, "p1"); after != before {
		t.Fatalf("invalid transition appended events: %d -> %d", before, after)
	}
}

func TestTransitionUnknownPermission(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Transition(context.Background(), "nope", core.StatusSentToAdministrator, "")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1")
	_, err := f.manager.Create(context.Background(), newRequest("p1"))
	if !errors.Is(err, core.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	pr := newRequest("")
	pr.DataSource = core.DataSource{}
	if _, err := f.manager.Create(context.Background(), pr); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFoldMatchesProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "a", happyPath...)
	f.create(t, "b", core.StatusSentToAdministrator, core.StatusRejected)
	f.create(t, "c", core.StatusMalformed)
	f.create(t, "d", append(happyPath, core.StatusRequiresExternalTermination)...)

	ids, err := f.store.PermissionIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		live, err := f.projector.Live(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		viewed, err := f.manager.GetByPermissionID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if live.Status != viewed.Status || live.Version != viewed.Version {
			t.Fatalf("%s: fold=%s/v%d projection=%s/v%d", id, live.Status, live.Version, viewed.Status, viewed.Version)
		}
	}
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1", core.StatusSentToAdministrator)

	// Both writers read version 2 before either appends.
	cur, err := f.projector.Live(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for _, to := range []core.Status{core.StatusValidated, core.StatusRejected} {
		wg.Add(1)
		go func(to core.Status) {
			defer wg.Done()
			err := f.store.Append(context.Background(), eventlog.Event{
				PermissionID: "p1", Sequence: cur.Version + 1, Kind: eventlog.KindStatusChanged, Timestamp: t0, Status: to,
			})
			if err == nil {
				wins.Add(1)
			} else if errors.Is(err, core.ErrConcurrencyConflict) {
				conflicts.Add(1)
			}
		}(to)
	}
	wg.Wait()
	if wins.Load() != 1 || conflicts.Load() != 1 {
		t.Fatalf("expected 1 win and 1 conflict, got %d/%d", wins.Load(), conflicts.Load())
	}
}

func TestExpiredFromAnyNonTerminal(t *testing.T) {
	for _, path := range [][]core.Status{
		nil,
		{core.StatusSentToAdministrator},
		{core.StatusSentToAdministrator, core.StatusValidated},
		happyPath,
	} {
		f := newFixture(t)
		f.create(t, "p1", path...)
		if _, err := f.manager.Transition(context.Background(), "p1", core.StatusExpired, "window lapsed"); err != nil {
			t.Fatalf("path %v: expected EXPIRED to be allowed, got %v", path, err)
		}
		if _, err := f.manager.Transition(context.Background(), "p1", core.StatusExpired, ""); !errors.Is(err, core.ErrValidation) {
			t.Fatalf("path %v: expected second expiry to fail validation, got %v", path, err)
		}
	}
}

func TestDataReceivedAdvancesAndFulfills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "p1", happyPath...)

	mid := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	pr, err := f.manager.DataReceived(ctx, "p1", mid)
	if err != nil {
		t.Fatal(err)
	}
	if !pr.LatestReading.Equal(mid) || pr.Status != core.StatusAccepted {
		t.Fatalf("unexpected state after partial data: %+v", pr)
	}

	before := eventCount(t, f.store, "p1")
	if _, err := f.manager.DataReceived(ctx, "p1", mid.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if eventCount(t, f.store, "p1") != before {
		t.Fatal("older reading should not append an event")
	}

	pr, err = f.manager.DataReceived(ctx, "p1", time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if pr.Status != core.StatusFulfilled {
		t.Fatalf("expected FULFILLED, got %s", pr.Status)
	}
}

func TestDataReceivedRequiresAccepted(t *testing.T) {
	f := newFixture(t)
	f.create(t, "p1", core.StatusSentToAdministrator)
	if _, err := f.manager.DataReceived(context.Background(), "p1", t0); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPurgeOnlyTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "p1", core.StatusSentToAdministrator)
	if err := f.manager.Purge(ctx, "p1"); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation for non-terminal purge, got %v", err)
	}

	f.manager.Transition(ctx, "p1", core.StatusRejected, "declined")
	if err := f.manager.Purge(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.manager.FindByPermissionID(ctx, "p1"); ok {
		t.Fatal("expected purged request to be gone")
	}
}

func TestSaveCreatesThenTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr := newRequest("p1")
	if err := f.manager.Save(ctx, pr); err != nil {
		t.Fatal(err)
	}
	pr.Status = core.StatusSentToAdministrator
	if err := f.manager.Save(ctx, pr); err != nil {
		t.Fatal(err)
	}
	pr.Status = core.StatusTerminated
	if err := f.manager.Save(ctx, pr); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestConnectorMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const extra core.Status = "AWAITING_SIGNATURE"
	f.manager.UseMachine("at-eda", DefaultMachine().Extend(core.TransitionTable{
		core.StatusSentToAdministrator: {extra},
		extra:                          {core.StatusValidated},
	}))

	f.create(t, "p1", core.StatusSentToAdministrator, extra, core.StatusValidated)
	pr, _ := f.manager.GetByPermissionID(ctx, "p1")
	if pr.Status != core.StatusValidated {
		t.Fatalf("unexpected status %s", pr.Status)
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *recorder) StatusChanged(_ context.Context, pr core.PermissionRequest, from core.Status, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, fmt.Sprintf("%s:%s->%s", pr.PermissionID, from, pr.Status))
}

func TestObserversSeeCommittedChangesOnly(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.manager.WithObserver(rec)
	f.create(t, "p1", core.StatusSentToAdministrator)
	f.manager.Transition(context.Background(), "p1", core.StatusAccepted, "")

	want := []string{"p1:->CREATED", "p1:CREATED->SENT_TO_ADMINISTRATOR"}
	if fmt.Sprint(rec.changes) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, rec.changes)
	}
}

func TestStatusSourceEmitsBothKinds(t *testing.T) {
	f := newFixture(t)
	src := NewStatusSource(nil)
	f.manager.WithObserver(src)
	f.create(t, "p1", core.StatusSentToAdministrator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan core.Envelope, 4)
	go src.Stream(ctx, core.KindConnectionStatus, out)

	var statuses []core.Status
	for i := 0; i < 2; i++ {
		select {
		case env := <-out:
			var msg ConnectionStatusMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				t.Fatal(err)
			}
			if env.RegionConnectorID != "at-eda" || env.CountryCode != "AT" {
				t.Fatalf("missing routing keys: %+v", env)
			}
			statuses = append(statuses, msg.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for connection status")
		}
	}
	if statuses[0] != core.StatusCreated || statuses[1] != core.StatusSentToAdministrator {
		t.Fatalf("unexpected status order %v", statuses)
	}

	pmdOut := make(chan core.Envelope, 4)
	go src.Stream(ctx, core.KindPermissionMarketDocument, pmdOut)
	select {
	case env := <-pmdOut:
		var doc PermissionMarketDocument
		if err := json.Unmarshal(env.Payload, &doc); err != nil {
			t.Fatal(err)
		}
		if doc.MRID != "p1" || doc.End == nil {
			t.Fatalf("unexpected document %+v", doc)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for permission market document")
	}
}

func TestStatusSourceRejectsOtherKinds(t *testing.T) {
	src := NewStatusSource(nil)
	err := src.Stream(context.Background(), core.KindRawData, make(chan core.Envelope))
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
