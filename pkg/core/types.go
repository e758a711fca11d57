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
	"fmt"
	"time"
)

type EnvelopeKind string

const (
	KindConnectionStatus         EnvelopeKind = "connection-status"
	KindPermissionMarketDocument EnvelopeKind = "permission-market-document"
	KindValidatedHistoricalData  EnvelopeKind = "validated-historical-data"
	KindAccountingPoint          EnvelopeKind = "accounting-point"
	KindRawData                  EnvelopeKind = "raw-data"
	KindNearRealTimeData         EnvelopeKind = "near-real-time-data"

	// Inbound kinds, routed by key to a single region connector.
	KindTermination    EnvelopeKind = "termination"
	KindRetransmission EnvelopeKind = "retransmission"
)

// OutboundKinds lists the kinds region connectors emit towards
// outbound connectors.
var OutboundKinds = []EnvelopeKind{
	KindConnectionStatus,
	KindPermissionMarketDocument,
	KindValidatedHistoricalData,
	KindAccountingPoint,
	KindRawData,
	KindNearRealTimeData,
}

func ParseEnvelopeKind(s string) (EnvelopeKind, error) {
	k := EnvelopeKind(s)
	switch k {
	case KindConnectionStatus, KindPermissionMarketDocument, KindValidatedHistoricalData,
		KindAccountingPoint, KindRawData, KindNearRealTimeData,
		KindTermination, KindRetransmission:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown envelope kind %q", ErrValidation, s)
}

// Envelope is a routed message wrapping a market document or a status or
// control signal.
type Envelope struct {
	ID                string            `json:"id"`
	Kind              EnvelopeKind      `json:"kind"`
	PermissionID      string            `json:"permission_id,omitempty"`
	ConnectionID      string            `json:"connection_id,omitempty"`
	DataNeedID        string            `json:"data_need_id,omitempty"`
	RegionConnectorID string            `json:"region_connector_id,omitempty"`
	CountryCode       string            `json:"country_code,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Payload           []byte            `json:"payload,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RoutingKeys returns the primary routing key (region connector id) and the
// country code fallback.
func (e Envelope) RoutingKeys() (primary, fallback string) {
	return e.RegionConnectorID, e.CountryCode
}

// OverflowPolicy decides what a subscription does when its buffer is full.
type OverflowPolicy int

const (
	// OverflowDropOldest discards the oldest buffered envelope. Producers
	// never stall; slow subscribers lose data.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowBlock waits for buffer space. Nothing is lost; a slow
	// subscriber stalls dispatch of its kind.
	OverflowBlock
)

func ParseOverflowPolicy(s string) OverflowPolicy {
	if s == "block" {
		return OverflowBlock
	}
	return OverflowDropOldest
}

func (p OverflowPolicy) String() string {
	if p == OverflowBlock {
		return "block"
	}
	return "drop_oldest"
}

type SubscribeOptions struct {
	Buffer   int
	Overflow OverflowPolicy
}

// TransitionTable lists the allowed target statuses per source status.
type TransitionTable map[Status][]Status
