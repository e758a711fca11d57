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
	"fmt"

	"github.com/energyhub/permission-mediation/internal/retransmission"
	"github.com/energyhub/permission-mediation/internal/routing"
	"github.com/energyhub/permission-mediation/pkg/core"
)

// Gateway is the core.Gateway handed to outbound connectors.
type Gateway struct {
	router      *routing.Router
	coordinator *retransmission.Coordinator
}

func NewGateway(router *routing.Router, coordinator *retransmission.Coordinator) *Gateway {
	return &Gateway{router: router, coordinator: coordinator}
}

func (g *Gateway) Subscribe(kind core.EnvelopeKind, opts core.SubscribeOptions) core.Subscription {
	return g.router.Subscribe(kind, opts)
}

func (g *Gateway) Publish(ctx context.Context, env core.Envelope) bool {
	return g.router.Publish(ctx, env)
}

func (g *Gateway) Retransmit(ctx context.Context, req core.RetransmissionRequest) (core.RetransmissionResult, error) {
	if g.coordinator == nil {
		return core.RetransmissionResult{}, fmt.Errorf("%w: retransmission is not enabled", core.ErrNotFound)
	}
	return g.coordinator.Retransmit(ctx, req)
}
