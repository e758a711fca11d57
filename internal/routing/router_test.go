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

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/energyhub/permission-mediation/pkg/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSource emits its envelopes, then either fails or keeps streaming
// from feed until cancelled.
type scriptedSource struct {
	emit   []core.Envelope
	failed error
	feed   chan core.Envelope
	panics bool
}

func (s *scriptedSource) Stream(ctx context.Context, kind core.EnvelopeKind, out chan<- core.Envelope) error {
	for _, env := range s.emit {
		select {
		case out <- env:
		case <-ctx.Done():
			return nil
		}
	}
	if s.panics {
		panic("connector bug")
	}
	if s.failed != nil {
		return s.failed
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.feed:
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func envelope(id string) core.Envelope {
	return core.Envelope{ID: id, Kind: core.KindValidatedHistoricalData, RegionConnectorID: "rc"}
}

func receive(t *testing.T, sub core.Subscription) core.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return core.Envelope{}
}

func TestPublishDeliversToRegisteredDestinationOnly(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	d := &recordingDestination{name: "d"}
	other := &recordingDestination{name: "other"}
	r.RegisterDestination("rc-1", d)
	r.RegisterDestination("rc-2", other)

	ok := r.Publish(context.Background(), core.Envelope{ID: "t1", Kind: core.KindTermination, RegionConnectorID: "rc-1"})
	if !ok {
		t.Fatal("expected delivery")
	}
	if d.count() != 1 || other.count() != 0 {
		t.Fatalf("expected delivery to rc-1 only, got d=%d other=%d", d.count(), other.count())
	}
}

func TestPublishUnknownKeyDropped(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	d := &recordingDestination{}
	r.RegisterDestination("rc-1", d, "AT")

	if r.Publish(context.Background(), core.Envelope{ID: "t1", Kind: core.KindTermination, RegionConnectorID: "rc-9", CountryCode: "FR"}) {
		t.Fatal("expected unroutable envelope to be dropped")
	}
	if d.count() != 0 {
		t.Fatal("unroutable envelope reached a destination")
	}
}

func TestPublishCountryFallback(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	d := &recordingDestination{}
	r.RegisterDestination("at-eda", d, "AT")

	if !r.Publish(context.Background(), core.Envelope{ID: "t1", Kind: core.KindTermination, CountryCode: "at"}) {
		t.Fatal("expected fallback delivery")
	}
	if d.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", d.count())
	}
}

func TestPublishDestinationErrorIsContained(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	r.RegisterDestination("rc-1", &recordingDestination{err: errors.New("broker down")})

	if r.Publish(context.Background(), core.Envelope{ID: "t1", Kind: core.KindTermination, RegionConnectorID: "rc-1"}) {
		t.Fatal("expected failed delivery to report false")
	}
}

func TestFanInSourceFailureIsolated(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	kind := core.KindValidatedHistoricalData
	sub := r.Subscribe(kind, core.SubscribeOptions{Buffer: 16, Overflow: core.OverflowBlock})

	a := &scriptedSource{emit: []core.Envelope{envelope("a1"), envelope("a2")}, failed: errors.New("stream reset")}
	b := &scriptedSource{feed: make(chan core.Envelope)}
	if err := r.AddSource("a", kind, a); err != nil {
		t.Fatal(err)
	}
	if err := r.AddSource("b", kind, b); err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[receive(t, sub).ID] = true
	}
	if !got["a1"] || !got["a2"] {
		t.Fatalf("expected a1 and a2 before the failure, got %v", got)
	}

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("b%d", i)
		b.feed <- envelope(id)
		if env := receive(t, sub); env.ID != id {
			t.Fatalf("expected %s, got %s", id, env.ID)
		}
	}
}

func TestFanInSourcePanicIsolated(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	kind := core.KindRawData
	sub := r.Subscribe(kind, core.SubscribeOptions{Buffer: 4})

	r.AddSource("bad", kind, &scriptedSource{panics: true})
	good := &scriptedSource{feed: make(chan core.Envelope)}
	r.AddSource("good", kind, good)

	good.feed <- envelope("g1")
	if env := receive(t, sub); env.ID != "g1" {
		t.Fatalf("expected g1, got %s", env.ID)
	}
}

func TestFanInPreservesPerSourceOrder(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	kind := core.KindValidatedHistoricalData
	sub := r.Subscribe(kind, core.SubscribeOptions{Buffer: 512, Overflow: core.OverflowBlock})

	var emitA, emitB []core.Envelope
	for i := 0; i < 100; i++ {
		emitA = append(emitA, envelope(fmt.Sprintf("a-%03d", i)))
		emitB = append(emitB, envelope(fmt.Sprintf("b-%03d", i)))
	}
	r.AddSource("a", kind, &scriptedSource{emit: emitA, feed: make(chan core.Envelope)})
	r.AddSource("b", kind, &scriptedSource{emit: emitB, feed: make(chan core.Envelope)})

	var lastA, lastB string
	for i := 0; i < 200; i++ {
		id := receive(t, sub).ID
		switch id[0] {
		case 'a':
			if id <= lastA {
				t.Fatalf("source a out of order: %s after %s", id, lastA)
			}
			lastA = id
		case 'b':
			if id <= lastB {
				t.Fatalf("source b out of order: %s after %s", id, lastB)
			}
			lastB = id
		}
	}
}

func TestRemoveSourceLeavesOthersRunning(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	kind := core.KindRawData
	sub := r.Subscribe(kind, core.SubscribeOptions{Buffer: 4})

	a := &scriptedSource{feed: make(chan core.Envelope)}
	b := &scriptedSource{feed: make(chan core.Envelope)}
	r.AddSource("a", kind, a)
	r.AddSource("b", kind, b)

	if !r.RemoveSource("a", kind) {
		t.Fatal("expected source a to be removed")
	}
	time.Sleep(50 * time.Millisecond)
	b.feed <- envelope("b1")
	if env := receive(t, sub); env.ID != "b1" {
		t.Fatalf("expected b1, got %s", env.ID)
	}
	select {
	case a.feed <- envelope("a1"):
		t.Fatal("removed source still consuming")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOldestNeverStallsProducer(t *testing.T) {
	m := NewMulticast(core.KindRawData, testLogger(), nil)
	defer m.Close()
	slow := m.Subscribe(core.SubscribeOptions{Buffer: 2, Overflow: core.OverflowDropOldest})
	fast := m.Subscribe(core.SubscribeOptions{Buffer: 16, Overflow: core.OverflowBlock})

	for i := 0; i < 5; i++ {
		if err := m.Inject(context.Background(), envelope(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		receive(t, fast)
	}
	waitFor(t, func() bool { return slow.(*subscription).Dropped() == 3 })

	// The slow subscriber kept only the newest two.
	if a, b := receive(t, slow).ID, receive(t, slow).ID; a != "e3" || b != "e4" {
		t.Fatalf("expected e3,e4 got %s,%s", a, b)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBlockPolicyLosesNothing(t *testing.T) {
	m := NewMulticast(core.KindRawData, testLogger(), nil)
	defer m.Close()
	sub := m.Subscribe(core.SubscribeOptions{Buffer: 1, Overflow: core.OverflowBlock})

	go func() {
		for i := 0; i < 20; i++ {
			m.Inject(context.Background(), envelope(fmt.Sprintf("e%02d", i)))
		}
	}()
	for i := 0; i < 20; i++ {
		time.Sleep(time.Millisecond)
		if env := receive(t, sub); env.ID != fmt.Sprintf("e%02d", i) {
			t.Fatalf("expected e%02d, got %s", i, env.ID)
		}
	}
}

func TestBlockedSubscriberCanClose(t *testing.T) {
	m := NewMulticast(core.KindRawData, testLogger(), nil)
	defer m.Close()
	stuck := m.Subscribe(core.SubscribeOptions{Buffer: 1, Overflow: core.OverflowBlock})
	other := m.Subscribe(core.SubscribeOptions{Buffer: 8, Overflow: core.OverflowBlock})

	m.Inject(context.Background(), envelope("e1"))
	m.Inject(context.Background(), envelope("e2"))
	receive(t, other)

	stuck.Close()
	if env := receive(t, other); env.ID != "e2" {
		t.Fatalf("expected dispatch to resume after close, got %s", env.ID)
	}
	if m.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", m.SubscriberCount())
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	sub := r.Subscribe(core.KindConnectionStatus, core.SubscribeOptions{})
	r.AddSource("s", core.KindConnectionStatus, &scriptedSource{feed: make(chan core.Envelope)})
	r.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	late := r.Subscribe(core.KindConnectionStatus, core.SubscribeOptions{})
	if _, ok := <-late.C(); ok {
		t.Fatal("subscription on closed router should be closed")
	}
	if err := r.AddSource("x", core.KindRawData, &scriptedSource{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDuplicateSourceRejected(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	src := &scriptedSource{feed: make(chan core.Envelope)}
	if err := r.AddSource("s", core.KindRawData, src); err != nil {
		t.Fatal(err)
	}
	if err := r.AddSource("s", core.KindRawData, src); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInjectRequiresKind(t *testing.T) {
	r := NewRouter(NewTable(), testLogger(), nil)
	defer r.Close()
	if err := r.Inject(context.Background(), core.Envelope{ID: "x"}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
