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
package plugins

import (
	"context"
	"log/slog"
	"sync"

	"github.com/energyhub/permission-mediation/internal/lifecycle"
	"github.com/energyhub/permission-mediation/internal/retransmission"
	"github.com/energyhub/permission-mediation/internal/routing"
	"github.com/energyhub/permission-mediation/pkg/core"
)

type Registry struct {
	regions  map[string]core.RegionConnector
	outbound map[string]core.OutboundConnector
	healthy  map[string]bool
	logger   *slog.Logger
	mu       sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		regions:  make(map[string]core.RegionConnector),
		outbound: make(map[string]core.OutboundConnector),
		healthy:  make(map[string]bool),
		logger:   logger,
	}
}

func (r *Registry) RegisterRegionConnector(rc core.RegionConnector) {
	r.mu.Lock()
	r.regions[rc.ID()] = rc
	r.mu.Unlock()
	r.logger.Info("registered region connector", "id", rc.ID(), "type", rc.Type(), "countries", rc.CountryCodes())
}

func (r *Registry) RegisterOutbound(oc core.OutboundConnector) {
	r.mu.Lock()
	r.outbound[oc.Name()] = oc
	r.mu.Unlock()
	r.logger.Info("registered outbound connector", "name", oc.Name(), "type", oc.Type())
}

func (r *Registry) RegionConnectors() map[string]core.RegionConnector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.RegionConnector, len(r.regions))
	for k, v := range r.regions {
		cp[k] = v
	}
	return cp
}

func (r *Registry) OutboundConnectors() map[string]core.OutboundConnector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.OutboundConnector, len(r.outbound))
	for k, v := range r.outbound {
		cp[k] = v
	}
	return cp
}

// ConnectAll connects every connector and records which ones are healthy.
// A connector that fails to connect is left out; the others keep running.
func (r *Registry) ConnectAll(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for id, rc := range r.regions {
		if err := rc.Connect(ctx); err != nil {
			r.logger.Error("region connector connect failed", "id", id, "error", err)
			r.healthy[id] = false
		} else {
			r.healthy[id] = true
			connected++
		}
	}
	for name, oc := range r.outbound {
		if err := oc.Connect(ctx); err != nil {
			r.logger.Error("outbound connector connect failed", "name", name, "error", err)
			r.healthy[name] = false
		} else {
			r.healthy[name] = true
			connected++
		}
	}
	return connected
}

func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// Health reports every registered connector by id or name.
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.healthy))
	for name, ok := range r.healthy {
		out[name] = ok
	}
	return out
}

// Bind wires every healthy region connector into the core: its streams join
// the fan-in, and its optional termination destination, retransmission
// service and transition table are registered under its id.
func (r *Registry) Bind(router *routing.Router, coordinator *retransmission.Coordinator, manager *lifecycle.Manager) int {
	bound := 0
	for id, rc := range r.RegionConnectors() {
		if !r.IsHealthy(id) {
			continue
		}
		for _, kind := range rc.Kinds() {
			if err := router.AddSource(id, kind, rc); err != nil {
				r.logger.Error("region connector stream not added", "id", id, "kind", kind, "error", err)
			}
		}
		if dest, ok := rc.(core.Destination); ok {
			router.RegisterDestination(id, dest, rc.CountryCodes()...)
		}
		if svc, ok := rc.(core.RetransmissionService); ok && coordinator != nil {
			coordinator.Register(id, svc)
		}
		if mp, ok := rc.(core.MachineProvider); ok && manager != nil {
			manager.UseMachine(id, lifecycle.DefaultMachine().Extend(mp.TransitionTable()))
		}
		bound++
	}
	return bound
}

// Unbind removes a region connector from the core without touching other
// connectors.
func (r *Registry) Unbind(id string, router *routing.Router, coordinator *retransmission.Coordinator) {
	rc, ok := r.RegionConnectors()[id]
	if !ok {
		return
	}
	for _, kind := range rc.Kinds() {
		router.RemoveSource(id, kind)
	}
	router.UnregisterDestination(id)
	if coordinator != nil {
		coordinator.Unregister(id)
	}
}

func (r *Registry) StartOutbound(ctx context.Context, gw core.Gateway) {
	for name, oc := range r.OutboundConnectors() {
		if !r.IsHealthy(name) {
			continue
		}
		go func(n string, c core.OutboundConnector) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("outbound connector panic recovered", "name", n, "error", rec)
				}
			}()
			if err := c.Start(ctx, gw); err != nil {
				r.logger.Error("outbound connector failed", "name", n, "error", err)
			}
		}(name, oc)
	}
}

func (r *Registry) StopAll(ctx context.Context) {
	for name, oc := range r.OutboundConnectors() {
		r.logger.Info("stopping outbound connector", "name", name)
		if err := oc.Disconnect(ctx); err != nil {
			r.logger.Warn("outbound disconnect failed", "name", name, "error", err)
		}
	}
	for id, rc := range r.RegionConnectors() {
		r.logger.Info("stopping region connector", "id", id)
		if err := rc.Disconnect(ctx); err != nil {
			r.logger.Warn("region connector disconnect failed", "id", id, "error", err)
		}
	}
}
