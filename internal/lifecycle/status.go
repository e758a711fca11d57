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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/pkg/core"
)

const statusBufferSize = 1024

// ConnectionStatusMessage is the payload of a connection-status envelope.
type ConnectionStatusMessage struct {
	ConnectionID string      `json:"connection_id"`
	PermissionID string      `json:"permission_id"`
	DataNeedID   string      `json:"data_need_id"`
	Status       core.Status `json:"status"`
	Previous     core.Status `json:"previous_status,omitempty"`
	Message      string      `json:"message,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// PermissionMarketDocument is the payload of a permission-market-document
// envelope: the full permission as seen by eligible parties.
type PermissionMarketDocument struct {
	MRID                       string      `json:"mrid"`
	ConnectionID               string      `json:"connection_id"`
	DataNeedID                 string      `json:"data_need_id"`
	Status                     core.Status `json:"status"`
	Created                    time.Time   `json:"created"`
	Start                      *time.Time  `json:"start,omitempty"`
	End                        *time.Time  `json:"end,omitempty"`
	CountryCode                string      `json:"country_code"`
	RegionConnectorID          string      `json:"region_connector_id"`
	PermissionAdministratorID  string      `json:"permission_administrator_id,omitempty"`
	MeteredDataAdministratorID string      `json:"metered_data_administrator_id,omitempty"`
	Reason                     string      `json:"reason,omitempty"`
}

// StatusSource turns committed status changes into connection-status and
// permission-market-document envelopes. It is both a lifecycle Observer and
// a routing source. StatusChanged never blocks the committing caller: when
// the buffer is full the envelope is dropped with a warning.
type StatusSource struct {
	streams map[core.EnvelopeKind]chan core.Envelope
	logger  *slog.Logger
}

func NewStatusSource(logger *slog.Logger) *StatusSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusSource{
		streams: map[core.EnvelopeKind]chan core.Envelope{
			core.KindConnectionStatus:         make(chan core.Envelope, statusBufferSize),
			core.KindPermissionMarketDocument: make(chan core.Envelope, statusBufferSize),
		},
		logger: logger.With("component", "status-source"),
	}
}

func (s *StatusSource) Kinds() []core.EnvelopeKind {
	return []core.EnvelopeKind{core.KindConnectionStatus, core.KindPermissionMarketDocument}
}

func (s *StatusSource) StatusChanged(ctx context.Context, pr core.PermissionRequest, from core.Status, reason string) {
	at := pr.Updated
	if at.IsZero() {
		at = time.Now().UTC()
	}

	cs := ConnectionStatusMessage{
		ConnectionID: pr.ConnectionID,
		PermissionID: pr.PermissionID,
		DataNeedID:   pr.DataNeedID,
		Status:       pr.Status,
		Previous:     from,
		Message:      reason,
		Timestamp:    at,
	}
	s.emit(core.KindConnectionStatus, pr, at, cs)

	pmd := PermissionMarketDocument{
		MRID:                       pr.PermissionID,
		ConnectionID:               pr.ConnectionID,
		DataNeedID:                 pr.DataNeedID,
		Status:                     pr.Status,
		Created:                    pr.Created,
		CountryCode:                pr.DataSource.Country,
		RegionConnectorID:          pr.DataSource.RegionConnector,
		PermissionAdministratorID:  pr.DataSource.PermissionAdministrator,
		MeteredDataAdministratorID: pr.DataSource.MeteredDataAdministrator,
		Reason:                     reason,
	}
	if !pr.Start.IsZero() {
		start := pr.Start
		pmd.Start = &start
	}
	if !pr.End.IsZero() {
		end := pr.End
		pmd.End = &end
	}
	s.emit(core.KindPermissionMarketDocument, pr, at, pmd)
}

func (s *StatusSource) emit(kind core.EnvelopeKind, pr core.PermissionRequest, at time.Time, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("failed to encode status envelope", "kind", kind, "permission_id", pr.PermissionID, "error", err)
		return
	}
	env := core.Envelope{
		ID:                uuid.NewString(),
		Kind:              kind,
		PermissionID:      pr.PermissionID,
		ConnectionID:      pr.ConnectionID,
		DataNeedID:        pr.DataNeedID,
		RegionConnectorID: pr.DataSource.RegionConnector,
		CountryCode:       pr.DataSource.Country,
		Timestamp:         at,
		Payload:           payload,
		Metadata:          map[string]string{"status": string(pr.Status)},
	}

	select {
	case s.streams[kind] <- env:
	default:
		s.logger.Warn("status buffer full, dropping envelope", "kind", kind, "permission_id", pr.PermissionID)
	}
}

// Stream forwards buffered envelopes of kind until ctx is done.
func (s *StatusSource) Stream(ctx context.Context, kind core.EnvelopeKind, out chan<- core.Envelope) error {
	ch, ok := s.streams[kind]
	if !ok {
		return fmt.Errorf("%w: status source does not emit %s", core.ErrValidation, kind)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-ch:
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
