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
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Event bodies are stored as deterministic CBOR so that the same event
// always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("eventlog: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("eventlog: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEvent(evt Event) ([]byte, error) {
	data, err := encMode.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event %s/%d: %w", evt.PermissionID, evt.Sequence, err)
	}
	return data, nil
}

func decodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := decMode.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}
