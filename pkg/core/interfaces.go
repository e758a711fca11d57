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

package core

import (
	"context"
	"time"
)

type PermissionRequestRepository interface {
	Save(ctx context.Context, request PermissionRequest) error
	FindByPermissionID(ctx context.Context, permissionID string) (PermissionRequest, bool, error)
	GetByPermissionID(ctx context.Context, permissionID string) (PermissionRequest, error)
}

type StalePermissionRequestRepository interface {
	FindStale(ctx context.Context, status Status, olderThanHours int) ([]PermissionRequest, error)
}

type StatusPermissionRequestRepository interface {
	FindByStatus(ctx context.Context, status Status) ([]PermissionRequest, error)
}

// Lifecycle is the callback surface region connectors use to advance the
// permissions they own.
type Lifecycle interface {
	Transition(ctx context.Context, permissionID string, to Status, reason string) (PermissionRequest, error)
	DataReceived(ctx context.Context, permissionID string, latest time.Time) (PermissionRequest, error)
}

// Source is an asynchronous stream of envelopes of one kind. Stream writes
// to out until ctx is cancelled or the source fails; a returned error drops
// the source from the merge.
type Source interface {
	Stream(ctx context.Context, kind EnvelopeKind, out chan<- Envelope) error
}

// Destination receives envelopes routed by key.
type Destination interface {
	Deliver(ctx context.Context, env Envelope) error
}

type RegionConnector interface {
	ID() string
	Type() string
	CountryCodes() []string
	Kinds() []EnvelopeKind
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Source
}

// RetransmissionService is the optional re-poll capability of a region
// connector. CheckSupported returns a non-nil error whose message is the
// reason when the request cannot be served.
type RetransmissionService interface {
	CheckSupported(request PermissionRequest, req RetransmissionRequest) error
	Poll(ctx context.Context, request PermissionRequest, req RetransmissionRequest) ([]Envelope, error)
}

// MachineProvider is implemented by region connectors with connector
// specific statuses or edges.
type MachineProvider interface {
	TransitionTable() TransitionTable
}

type Subscription interface {
	ID() string
	C() <-chan Envelope
	Close()
}

// Gateway is what the core exposes to outbound connectors.
type Gateway interface {
	Subscribe(kind EnvelopeKind, opts SubscribeOptions) Subscription
	Publish(ctx context.Context, env Envelope) bool
	Retransmit(ctx context.Context, req RetransmissionRequest) (RetransmissionResult, error)
}

type OutboundConnector interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Start(ctx context.Context, gw Gateway) error
	Disconnect(ctx context.Context) error
}
