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
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type Permissions interface {
	Create(ctx context.Context, pr core.PermissionRequest) (core.PermissionRequest, error)
	Transition(ctx context.Context, permissionID string, to core.Status, reason string) (core.PermissionRequest, error)
	GetByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, error)
}

type Retransmitter interface {
	Retransmit(ctx context.Context, req core.RetransmissionRequest) (core.RetransmissionResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, env core.Envelope) bool
}

// HealthReporter reports connector health by name.
type HealthReporter interface {
	Health() map[string]bool
}

type Handler struct {
	permissions   Permissions
	retransmitter Retransmitter
	publisher     Publisher
	health        HealthReporter
	logger        *slog.Logger
	now           func() time.Time
}

func NewHandler(permissions Permissions, retransmitter Retransmitter, publisher Publisher, health HealthReporter, logger *slog.Logger) *Handler {
	return &Handler{
		permissions:   permissions,
		retransmitter: retransmitter,
		publisher:     publisher,
		health:        health,
		logger:        logger.With("component", "api"),
		now:           time.Now,
	}
}

type createPermissionRequest struct {
	PermissionID string          `json:"permission_id"`
	ConnectionID string          `json:"connection_id"`
	DataNeedID   string          `json:"data_need_id"`
	Start        string          `json:"start,omitempty"`
	End          string          `json:"end,omitempty"`
	DataSource   core.DataSource `json:"data_source"`
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type healthResponse struct {
	Status     string          `json:"status"`
	Connectors map[string]bool `json:"connectors,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.health != nil {
		resp.Connectors = h.health.Health()
		for _, ok := range resp.Connectors {
			if !ok {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json body")
		return
	}
	var start, end time.Time
	var err error
	if req.Start != "" {
		if start, err = wire.ParseDay(req.Start); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid start: "+err.Error())
			return
		}
	}
	if req.End != "" {
		if end, err = wire.ParseDay(req.End); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid end: "+err.Error())
			return
		}
	}

	pr := core.NewPermissionRequest(req.PermissionID, req.ConnectionID, req.DataNeedID, start, end, req.DataSource, h.now())
	created, err := h.permissions.Create(r.Context(), pr)
	if err != nil {
		code, c := mapError(err)
		writeError(w, code, c, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	pr, err := h.permissions.GetByPermissionID(r.Context(), chi.URLParam(r, "permission_id"))
	if err != nil {
		code, c := mapError(err)
		writeError(w, code, c, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (h *Handler) transitionPermission(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json body")
		return
	}
	status := core.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "status is required")
		return
	}

	pr, err := h.permissions.Transition(r.Context(), chi.URLParam(r, "permission_id"), status, req.Reason)
	if err != nil {
		code, c := mapTransitionError(err)
		writeError(w, code, c, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request) {
	var req wire.Termination
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	env := req.Envelope(uuid.NewString(), h.now().UTC())
	if !h.publisher.Publish(r.Context(), env) {
		writeError(w, http.StatusBadGateway, "NOT_DELIVERED", "no region connector accepted the termination")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"envelope_id": env.ID, "permission_id": env.PermissionID})
}

func (h *Handler) retransmit(w http.ResponseWriter, r *http.Request) {
	var body wire.Retransmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json body")
		return
	}
	req, err := body.Request()
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	res, err := h.retransmitter.Retransmit(r.Context(), req)
	if err != nil {
		code, c := mapError(err)
		writeError(w, code, c, err.Error())
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), wire.NewResult(res))
}
