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
// Package wire is the JSON representation of envelopes, termination
// requests and retransmission requests on outbound transports.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/energyhub/permission-mediation/pkg/core"
)

const ContentType = "application/json"

// Message is an envelope on the wire. JSON payloads are embedded as is;
// anything else is carried base64 encoded in Data.
type Message struct {
	ID                string            `json:"id"`
	Kind              core.EnvelopeKind `json:"kind"`
	PermissionID      string            `json:"permission_id,omitempty"`
	ConnectionID      string            `json:"connection_id,omitempty"`
	DataNeedID        string            `json:"data_need_id,omitempty"`
	RegionConnectorID string            `json:"region_connector_id,omitempty"`
	CountryCode       string            `json:"country_code,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
	Data              []byte            `json:"data,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func FromEnvelope(env core.Envelope) Message {
	msg := Message{
		ID:                env.ID,
		Kind:              env.Kind,
		PermissionID:      env.PermissionID,
		ConnectionID:      env.ConnectionID,
		DataNeedID:        env.DataNeedID,
		RegionConnectorID: env.RegionConnectorID,
		CountryCode:       env.CountryCode,
		Timestamp:         env.Timestamp,
		Metadata:          env.Metadata,
	}
	if len(env.Payload) > 0 {
		if json.Valid(env.Payload) {
			msg.Payload = json.RawMessage(env.Payload)
		} else {
			msg.Data = env.Payload
		}
	}
	return msg
}

func (m Message) Envelope() core.Envelope {
	env := core.Envelope{
		ID:                m.ID,
		Kind:              m.Kind,
		PermissionID:      m.PermissionID,
		ConnectionID:      m.ConnectionID,
		DataNeedID:        m.DataNeedID,
		RegionConnectorID: m.RegionConnectorID,
		CountryCode:       m.CountryCode,
		Timestamp:         m.Timestamp,
		Metadata:          m.Metadata,
	}
	switch {
	case len(m.Payload) > 0:
		env.Payload = []byte(m.Payload)
	case len(m.Data) > 0:
		env.Payload = m.Data
	}
	return env
}

func Encode(env core.Envelope) ([]byte, error) {
	return json.Marshal(FromEnvelope(env))
}

func Decode(b []byte) (core.Envelope, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return core.Envelope{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	return msg.Envelope(), nil
}

// Termination asks the owning region connector to terminate a permission.
type Termination struct {
	PermissionID      string `json:"permission_id"`
	RegionConnectorID string `json:"region_connector_id,omitempty"`
	CountryCode       string `json:"country_code,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

func (t Termination) Validate() error {
	if strings.TrimSpace(t.PermissionID) == "" {
		return fmt.Errorf("%w: permission_id is required", core.ErrValidation)
	}
	if strings.TrimSpace(t.RegionConnectorID) == "" && strings.TrimSpace(t.CountryCode) == "" {
		return fmt.Errorf("%w: region_connector_id or country_code is required", core.ErrValidation)
	}
	return nil
}

// Envelope wraps the termination into an inbound envelope routed by key.
func (t Termination) Envelope(id string, at time.Time) core.Envelope {
	env := core.Envelope{
		ID:                id,
		Kind:              core.KindTermination,
		PermissionID:      t.PermissionID,
		RegionConnectorID: t.RegionConnectorID,
		CountryCode:       t.CountryCode,
		Timestamp:         at,
	}
	if t.Reason != "" {
		env.Metadata = map[string]string{"reason": t.Reason}
	}
	return env
}

func DecodeTermination(b []byte) (Termination, error) {
	var t Termination
	if err := json.Unmarshal(b, &t); err != nil {
		return Termination{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	return t, t.Validate()
}

// Retransmission is the wire form of a retransmission request. Dates are
// calendar days (2006-01-02); RFC 3339 timestamps are accepted too.
type Retransmission struct {
	RegionConnectorID string `json:"region_connector_id"`
	PermissionID      string `json:"permission_id"`
	From              string `json:"from"`
	To                string `json:"to"`
}

func (r Retransmission) Request() (core.RetransmissionRequest, error) {
	from, err := ParseDay(r.From)
	if err != nil {
		return core.RetransmissionRequest{}, fmt.Errorf("%w: from: %v", core.ErrValidation, err)
	}
	to, err := ParseDay(r.To)
	if err != nil {
		return core.RetransmissionRequest{}, fmt.Errorf("%w: to: %v", core.ErrValidation, err)
	}
	req := core.RetransmissionRequest{
		RegionConnectorID: r.RegionConnectorID,
		PermissionID:      r.PermissionID,
		From:              from,
		To:                to,
	}
	return req, req.Validate()
}

func DecodeRetransmission(b []byte) (core.RetransmissionRequest, error) {
	var r Retransmission
	if err := json.Unmarshal(b, &r); err != nil {
		return core.RetransmissionRequest{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	return r.Request()
}

// ParseDay accepts a calendar day or an RFC 3339 timestamp.
func ParseDay(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Result is the wire form of a retransmission result.
type Result struct {
	Outcome      string    `json:"outcome"`
	PermissionID string    `json:"permission_id"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       string    `json:"reason,omitempty"`
}

func NewResult(res core.RetransmissionResult) Result {
	return Result{
		Outcome:      res.Outcome.String(),
		PermissionID: res.PermissionID,
		Timestamp:    res.Timestamp,
		Reason:       res.Reason,
	}
}

func EncodeResult(res core.RetransmissionResult) ([]byte, error) {
	return json.Marshal(NewResult(res))
}
