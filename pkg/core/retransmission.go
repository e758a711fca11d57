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
	"strings"
	"time"
)

type RetransmissionRequest struct {
	RegionConnectorID string    `json:"region_connector_id"`
	PermissionID      string    `json:"permission_id"`
	From              time.Time `json:"from"`
	To                time.Time `json:"to"`
}

func (r RetransmissionRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.RegionConnectorID) == "" {
		problems = append(problems, "region_connector_id is required")
	}
	if strings.TrimSpace(r.PermissionID) == "" {
		problems = append(problems, "permission_id is required")
	}
	if r.From.IsZero() || r.To.IsZero() {
		problems = append(problems, "from and to are required")
	} else if Day(r.To).Before(Day(r.From)) {
		problems = append(problems, "from must not be after to")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// RetransmissionOutcome is the closed set of retransmission results.
type RetransmissionOutcome int

const (
	OutcomeSuccess RetransmissionOutcome = iota
	OutcomeDataNotAvailable
	OutcomeNoActivePermission
	OutcomeNoPermissionForTimeFrame
	OutcomeNotSupported
	OutcomePermissionRequestNotFound
	OutcomeRetransmissionServiceNotFound
	OutcomeFailure
)

var outcomeNames = map[RetransmissionOutcome]string{
	OutcomeSuccess:                       "Success",
	OutcomeDataNotAvailable:              "DataNotAvailable",
	OutcomeNoActivePermission:            "NoActivePermission",
	OutcomeNoPermissionForTimeFrame:      "NoPermissionForTimeFrame",
	OutcomeNotSupported:                  "NotSupported",
	OutcomePermissionRequestNotFound:     "PermissionRequestNotFound",
	OutcomeRetransmissionServiceNotFound: "RetransmissionServiceNotFound",
	OutcomeFailure:                       "Failure",
}

func (o RetransmissionOutcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("RetransmissionOutcome(%d)", int(o))
}

func (o RetransmissionOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// RetransmissionResult carries exactly one outcome. Reason is set for
// NotSupported and Failure.
type RetransmissionResult struct {
	Outcome      RetransmissionOutcome `json:"outcome"`
	PermissionID string                `json:"permission_id"`
	Timestamp    time.Time             `json:"timestamp"`
	Reason       string                `json:"reason,omitempty"`
}

func NewRetransmissionResult(outcome RetransmissionOutcome, permissionID string, at time.Time) RetransmissionResult {
	return RetransmissionResult{Outcome: outcome, PermissionID: permissionID, Timestamp: at}
}

func NotSupported(permissionID string, at time.Time, reason string) RetransmissionResult {
	return RetransmissionResult{Outcome: OutcomeNotSupported, PermissionID: permissionID, Timestamp: at, Reason: reason}
}

func Failure(permissionID string, at time.Time, reason string) RetransmissionResult {
	return RetransmissionResult{Outcome: OutcomeFailure, PermissionID: permissionID, Timestamp: at, Reason: reason}
}
