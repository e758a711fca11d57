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
	"testing"

	"github.com/energyhub/permission-mediation/pkg/core"
)

func TestDefaultMachineTerminals(t *testing.T) {
	m := DefaultMachine()
	terminal := []core.Status{
		core.StatusTerminated, core.StatusExpired, core.StatusRejected,
		core.StatusMalformed, core.StatusUnableToSend, core.StatusTimedOut,
		core.StatusRevoked, core.StatusFulfilled, core.StatusExternallyTerminated,
		core.StatusFailedToTerminate,
	}
	for _, s := range terminal {
		if !m.IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []core.Status{core.StatusCreated, core.StatusSentToAdministrator, core.StatusValidated, core.StatusAccepted} {
		if m.IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestDefaultMachineEdges(t *testing.T) {
	m := DefaultMachine()
	tests := []struct {
		from, to core.Status
		allowed  bool
	}{
		{core.StatusCreated, core.StatusSentToAdministrator, true},
		{core.StatusSentToAdministrator, core.StatusRejected, true},
		{core.StatusValidated, core.StatusRejected, true},
		{core.StatusAccepted, core.StatusTerminated, true},
		{core.StatusAccepted, core.StatusExpired, true},
		{core.StatusCreated, core.StatusAccepted, false},
		{core.StatusTerminated, core.StatusAccepted, false},
		{core.StatusExpired, core.StatusExpired, false},
		{core.StatusAccepted, core.StatusAccepted, false},
	}
	for _, tt := range tests {
		if got := m.Allowed(tt.from, tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected allowed=%v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestExtendDoesNotMutateBase(t *testing.T) {
	base := DefaultMachine()
	ext := base.Extend(core.TransitionTable{core.StatusTerminated: {core.StatusAccepted}})
	if base.Allowed(core.StatusTerminated, core.StatusAccepted) {
		t.Fatal("extension leaked into base machine")
	}
	if !ext.Allowed(core.StatusTerminated, core.StatusAccepted) {
		t.Fatal("extension edge missing")
	}
	if !ext.Allowed(core.StatusTerminated, core.StatusExpired) {
		t.Fatal("status with outgoing edges should be expirable")
	}
}
