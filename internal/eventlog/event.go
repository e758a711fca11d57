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

package eventlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/energyhub/permission-mediation/pkg/core"
)

type Kind string

const (
	KindCreated       Kind = "created"
	KindStatusChanged Kind = "status-changed"
	KindDataReceived  Kind = "data-received"
	KindTerminated    Kind = "terminated"
)

// ErrOutOfOrder is returned when an event does not directly follow the
// state it is applied to.
var ErrOutOfOrder = errors.New("event out of order")

// Event is one committed fact about a permission request. Sequence starts
// at 1 and is contiguous per permission.
type Event struct {
	PermissionID  string                  `cbor:"1,keyasint"`
	Sequence      int64                   `cbor:"2,keyasint"`
	Kind          Kind                    `cbor:"3,keyasint"`
	Timestamp     time.Time               `cbor:"4,keyasint"`
	Status        core.Status             `cbor:"5,keyasint,omitempty"`
	Reason        string                  `cbor:"6,keyasint,omitempty"`
	Request       *core.PermissionRequest `cbor:"7,keyasint,omitempty"`
	LatestReading time.Time               `cbor:"8,keyasint,omitempty"`
}

// Apply folds a single event into pr. The event must carry the sequence
// directly after pr.Version.
func Apply(pr *core.PermissionRequest, evt Event) error {
	if evt.Sequence != pr.Version+1 {
		return fmt.Errorf("%w: permission=%s version=%d sequence=%d",
			ErrOutOfOrder, evt.PermissionID, pr.Version, evt.Sequence)
	}

	switch evt.Kind {
	case KindCreated:
		if evt.Request == nil {
			return fmt.Errorf("%w: created event without request, permission=%s", core.ErrValidation, evt.PermissionID)
		}
		*pr = *evt.Request
		pr.PermissionID = evt.PermissionID
		if evt.Status != "" {
			pr.Status = evt.Status
		}
	case KindStatusChanged, KindTerminated:
		pr.Status = evt.Status
	case KindDataReceived:
		if evt.LatestReading.After(pr.LatestReading) {
			pr.LatestReading = evt.LatestReading
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", core.ErrValidation, evt.Kind)
	}

	pr.Version = evt.Sequence
	pr.Updated = evt.Timestamp
	return nil
}

// Fold rebuilds the current state from the complete ordered event list.
func Fold(events []Event) (core.PermissionRequest, error) {
	var pr core.PermissionRequest
	if len(events) == 0 {
		return pr, core.ErrNotFound
	}
	for _, evt := range events {
		if err := Apply(&pr, evt); err != nil {
			return core.PermissionRequest{}, err
		}
	}
	return pr, nil
}
