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
	"log/slog"

	"github.com/energyhub/permission-mediation/pkg/core"
)

const (
	DirectionFanIn      = "fan-in"
	DirectionFanOut     = "fan-out"
	DirectionDownstream = "downstream"
)

// EnvelopeLogger writes one debug record per routed envelope.
type EnvelopeLogger struct {
	logger *slog.Logger
}

func NewEnvelopeLogger(logger *slog.Logger) *EnvelopeLogger {
	return &EnvelopeLogger{logger: logger}
}

func (p *EnvelopeLogger) Log(env core.Envelope, target, direction string) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Debug("envelope",
		"envelope_id", env.ID,
		"kind", env.Kind,
		"permission_id", env.PermissionID,
		"region_connector_id", env.RegionConnectorID,
		"country_code", env.CountryCode,
		"direction", direction,
		"target", target,
		"payload_size", len(env.Payload),
		"timestamp", env.Timestamp,
	)
}
