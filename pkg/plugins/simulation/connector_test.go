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
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/energyhub/permission-mediation/pkg/core"
)

type fakeLifecycle struct {
	mu         sync.Mutex
	terminated []string
	dataFor    []string
	err        error
}

func (f *fakeLifecycle) Transition(_ context.Context, pid string, to core.Status, _ string) (core.PermissionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return core.PermissionRequest{}, f.err
	}
	if to == core.StatusTerminated {
		f.terminated = append(f.terminated, pid)
	}
	return core.PermissionRequest{PermissionID: pid, Status: to}, nil
}

func (f *fakeLifecycle) DataReceived(_ context.Context, pid string, _ time.Time) (core.PermissionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataFor = append(f.dataFor, pid)
	return core.PermissionRequest{}, nil
}

type fakePermissions []core.PermissionRequest

func (f fakePermissions) FindByPermissionID(_ context.Context, pid string) (core.PermissionRequest, bool, error) {
	for _, pr := range f {
		if pr.PermissionID == pid {
			return pr, true, nil
		}
	}
	return core.PermissionRequest{}, false, nil
}

func (f fakePermissions) FindByStatus(_ context.Context, status core.Status) ([]core.PermissionRequest, error) {
	var out []core.PermissionRequest
	for _, pr := range f {
		if pr.Status == status {
			out = append(out, pr)
		}
	}
	return out, nil
}

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newConnector(perms fakePermissions) (*Connector, *fakeLifecycle) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	lc := &fakeLifecycle{}
	c := New(Config{ID: "sim", CountryCodes: []string{"DE"}, Buffer: 8}, lc, perms, logger).
		WithClock(func() time.Time { return now })
	return c, lc
}

func accepted(pid, rc string) core.PermissionRequest {
	return core.PermissionRequest{
		PermissionID: pid,
		ConnectionID: "conn-" + pid,
		Status:       core.StatusAccepted,
		DataSource:   core.DataSource{Country: "DE", RegionConnector: rc},
	}
}

func TestTickEmitsForOwnAcceptedPermissions(t *testing.T) {
	expired := accepted("pid-old", "sim")
	expired.End = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	created := accepted("pid-new", "sim")
	created.Status = core.StatusCreated

	c, lc := newConnector(fakePermissions{
		accepted("pid-1", "sim"),
		accepted("pid-2", "other"),
		expired,
		created,
	})

	if n := c.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 reading, got %d", n)
	}
	env := <-c.out
	if env.PermissionID != "pid-1" || env.Kind != core.KindValidatedHistoricalData || env.CountryCode != "DE" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Metadata["day"] != "2025-03-09" {
		t.Fatalf("expected yesterday's reading, got %q", env.Metadata["day"])
	}
	var r Reading
	if err := json.Unmarshal(env.Payload, &r); err != nil || len(r.Quantities) != 96 {
		t.Fatalf("unexpected payload: %v", err)
	}
	if len(lc.dataFor) != 1 || lc.dataFor[0] != "pid-1" {
		t.Fatalf("expected data received for pid-1, got %v", lc.dataFor)
	}
}

func TestStreamRejectsOtherKinds(t *testing.T) {
	c, _ := newConnector(nil)
	err := c.Stream(context.Background(), core.KindRawData, make(chan core.Envelope))
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	c, _ := newConnector(fakePermissions{accepted("pid-1", "sim")})
	c.cfg.Interval = 10 * time.Millisecond

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan core.Envelope, 1)
	go c.Stream(ctx, core.KindValidatedHistoricalData, out)

	select {
	case env := <-out:
		if env.PermissionID != "pid-1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker emitted nothing")
	}

	stop, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := c.Disconnect(stop); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(stop); err != nil {
		t.Fatalf("second disconnect must be a no-op, got %v", err)
	}
}

func TestCheckSupported(t *testing.T) {
	c, _ := newConnector(nil)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := c.CheckSupported(core.PermissionRequest{}, core.RetransmissionRequest{From: from, To: from.AddDate(0, 0, 30)}); err != nil {
		t.Fatalf("31 days must be supported, got %v", err)
	}
	if err := c.CheckSupported(core.PermissionRequest{}, core.RetransmissionRequest{From: from, To: from.AddDate(0, 0, 31)}); err == nil {
		t.Fatal("32 days must not be supported")
	}
}

func TestPoll(t *testing.T) {
	c, _ := newConnector(nil)
	pr := accepted("pid-1", "sim")

	envs, err := c.Poll(context.Background(), pr, core.RetransmissionRequest{
		From: time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected readings for 7th to 9th, got %d", len(envs))
	}
	if envs[0].Metadata["day"] != "2025-03-07" || envs[2].Metadata["day"] != "2025-03-09" {
		t.Fatalf("unexpected days: %s..%s", envs[0].Metadata["day"], envs[2].Metadata["day"])
	}

	envs, err = c.Poll(context.Background(), pr, core.RetransmissionRequest{
		From: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil || len(envs) != 0 {
		t.Fatalf("expected no data for today onwards, got %d, %v", len(envs), err)
	}
}

func TestDeliverTermination(t *testing.T) {
	c, lc := newConnector(fakePermissions{accepted("pid-1", "sim"), accepted("pid-2", "sim")})
	if err := c.Deliver(context.Background(), core.Envelope{Kind: core.KindTermination, PermissionID: "pid-1"}); err != nil {
		t.Fatal(err)
	}
	if len(lc.terminated) != 1 || lc.terminated[0] != "pid-1" {
		t.Fatalf("expected pid-1 terminated, got %v", lc.terminated)
	}

	lc.err = core.ErrValidation
	if err := c.Deliver(context.Background(), core.Envelope{Kind: core.KindTermination, PermissionID: "pid-2"}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected lifecycle error, got %v", err)
	}
	lc.err = nil
	if err := c.Deliver(context.Background(), core.Envelope{Kind: core.KindRawData}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(lc.terminated) != 1 {
		t.Fatal("non-termination envelopes must not terminate")
	}
}

func TestDeliverTerminationForForeignPermission(t *testing.T) {
	c, lc := newConnector(fakePermissions{accepted("pid-dk", "dk-energinet")})

	for _, pid := range []string{"pid-dk", "pid-missing"} {
		err := c.Deliver(context.Background(), core.Envelope{Kind: core.KindTermination, PermissionID: pid, RegionConnectorID: "sim"})
		if !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", pid, err)
		}
	}
	if len(lc.terminated) != 0 {
		t.Fatalf("foreign permissions must not be terminated, got %v", lc.terminated)
	}
}
