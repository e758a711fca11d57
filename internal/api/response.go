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
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/energyhub/permission-mediation/pkg/core"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, core.ErrConcurrencyConflict):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// mapTransitionError differs from mapError only in reporting a rejected
// edge as unprocessable rather than as a bad request.
func mapTransitionError(err error) (int, string) {
	if errors.Is(err, core.ErrValidation) {
		return http.StatusUnprocessableEntity, "INVALID_TRANSITION"
	}
	return mapError(err)
}

func statusForOutcome(o core.RetransmissionOutcome) int {
	switch o {
	case core.OutcomeSuccess:
		return http.StatusAccepted
	case core.OutcomeDataNotAvailable:
		return http.StatusOK
	case core.OutcomeNoActivePermission:
		return http.StatusConflict
	case core.OutcomeNoPermissionForTimeFrame:
		return http.StatusForbidden
	case core.OutcomeNotSupported:
		return http.StatusNotImplemented
	case core.OutcomePermissionRequestNotFound, core.OutcomeRetransmissionServiceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
