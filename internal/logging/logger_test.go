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

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/energyhub/permission-mediation/pkg/core"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEnvelopeLoggerWritesDebugRecord(t *testing.T) {
	var buf bytes.Buffer
	l := NewEnvelopeLogger(New(&buf, "debug", "json"))
	l.Log(core.Envelope{ID: "e1", Kind: core.KindRawData, RegionConnectorID: "at-eda", Payload: []byte("abc")}, "kafka", DirectionFanIn)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["envelope_id"] != "e1" || rec["direction"] != DirectionFanIn || rec["payload_size"] != float64(3) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestEnvelopeLoggerQuietAtInfo(t *testing.T) {
	var buf bytes.Buffer
	NewEnvelopeLogger(New(&buf, "info", "json")).Log(core.Envelope{ID: "e1"}, "", DirectionFanOut)
	if buf.Len() != 0 {
		t.Fatalf("expected no output at info level, got %q", buf.String())
	}

	var nilLogger *EnvelopeLogger
	nilLogger.Log(core.Envelope{}, "", DirectionFanOut)
}
