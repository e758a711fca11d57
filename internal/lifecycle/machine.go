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
	"fmt"
	"sort"

	"github.com/energyhub/permission-mediation/pkg/core"
)

// DefaultTable returns the edges shared by all region connectors. EXPIRED
// is added by NewMachine from every status with outgoing edges.
func DefaultTable() core.TransitionTable {
	return core.TransitionTable{
		core.StatusCreated: {
			core.StatusSentToAdministrator,
			core.StatusMalformed,
		},
		core.StatusSentToAdministrator: {
			core.StatusValidated,
			core.StatusRejected,
			core.StatusTimedOut,
		},
		core.StatusValidated: {
			core.StatusAccepted,
			core.StatusRejected,
			core.StatusUnableToSend,
		},
		core.StatusAccepted: {
			core.StatusTerminated,
			core.StatusRevoked,
			core.StatusFulfilled,
			core.StatusRequiresExternalTermination,
		},
		core.StatusRequiresExternalTermination: {
			core.StatusExternallyTerminated,
			core.StatusFailedToTerminate,
		},
	}
}

// Machine is an immutable table of allowed transitions. A status with no
// outgoing edges is terminal.
type Machine struct {
	edges map[core.Status]map[core.Status]struct{}
}

// NewMachine builds a machine from table and adds the EXPIRED edges.
func NewMachine(table core.TransitionTable) *Machine {
	m := &Machine{edges: make(map[core.Status]map[core.Status]struct{})}
	m.merge(table)
	m.addExpiry()
	return m
}

// DefaultMachine is the machine built from DefaultTable.
func DefaultMachine() *Machine {
	return NewMachine(DefaultTable())
}

// Extend returns a new machine with the extra edges merged in.
func (m *Machine) Extend(table core.TransitionTable) *Machine {
	ext := &Machine{edges: make(map[core.Status]map[core.Status]struct{}, len(m.edges))}
	ext.merge(m.Table())
	ext.merge(table)
	ext.addExpiry()
	return ext
}

func (m *Machine) merge(table core.TransitionTable) {
	for from, targets := range table {
		set, ok := m.edges[from]
		if !ok {
			set = make(map[core.Status]struct{}, len(targets))
			m.edges[from] = set
		}
		for _, to := range targets {
			set[to] = struct{}{}
		}
	}
}

func (m *Machine) addExpiry() {
	for from, set := range m.edges {
		if from != core.StatusExpired && len(set) > 0 {
			set[core.StatusExpired] = struct{}{}
		}
	}
}

// Allowed reports whether from -> to is an edge.
func (m *Machine) Allowed(from, to core.Status) bool {
	_, ok := m.edges[from][to]
	return ok
}

// IsTerminal reports whether s has no outgoing edges.
func (m *Machine) IsTerminal(s core.Status) bool {
	return len(m.edges[s]) == 0
}

// Validate returns a core.ErrValidation error when from → to is not an edge.
func (m *Machine) Validate(from, to core.Status) error {
	if m.Allowed(from, to) {
		return nil
	}
	if m.IsTerminal(from) {
		return fmt.Errorf("%w: %s is terminal, cannot transition to %s", core.ErrValidation, from, to)
	}
	return fmt.Errorf("%w: transition %s -> %s is not allowed", core.ErrValidation, from, to)
}

// Targets lists the allowed next statuses of from in sorted order.
func (m *Machine) Targets(from core.Status) []core.Status {
	result := make([]core.Status, 0, len(m.edges[from]))
	for to := range m.edges[from] {
		result = append(result, to)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Table returns a copy of the edges, including the EXPIRED ones.
func (m *Machine) Table() core.TransitionTable {
	table := make(core.TransitionTable, len(m.edges))
	for from := range m.edges {
		table[from] = m.Targets(from)
	}
	return table
}
