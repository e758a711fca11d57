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
package httppost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/energyhub/permission-mediation/internal/logging"
	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type Config struct {
	URL        string
	Kinds      []core.EnvelopeKind
	Subscribe  core.SubscribeOptions
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// Connector pushes every envelope of its kinds to a webhook URL. A 5xx
// response or a transport error is retried with linear backoff; a 4xx
// response drops the envelope.
type Connector struct {
	name   string
	cfg    Config
	client *http.Client
	logger *slog.Logger
	envLog *logging.EnvelopeLogger
}

func New(name string, cfg Config, logger *slog.Logger, envLog *logging.EnvelopeLogger) *Connector {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = core.OutboundKinds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Connector{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("connector", name),
		envLog: envLog,
	}
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "http_post" }

func (c *Connector) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("%w: http_post connector %s has no url", core.ErrValidation, c.name)
	}
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Connector) Start(ctx context.Context, gw core.Gateway) error {
	for _, kind := range c.cfg.Kinds {
		sub := gw.Subscribe(kind, c.cfg.Subscribe)
		go func(kind core.EnvelopeKind, sub core.Subscription) {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-sub.C():
					if !ok {
						return
					}
					if err := c.deliver(ctx, env); err != nil && ctx.Err() == nil {
						c.logger.Error("webhook delivery failed", "kind", kind, "envelope_id", env.ID, "error", err)
					}
				}
			}
		}(kind, sub)
	}

	c.logger.Info("http_post connector started", "url", c.cfg.URL, "kinds", c.cfg.Kinds)
	<-ctx.Done()
	return nil
}

type permanentError struct {
	status int
	err    error
}

func (e permanentError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("webhook rejected envelope with status %d", e.status)
}

func (c *Connector) deliver(ctx context.Context, env core.Envelope) error {
	body, err := wire.Encode(env)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.cfg.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = c.post(ctx, env, body)
		if lastErr == nil {
			c.envLog.Log(env, c.cfg.URL, logging.DirectionDownstream)
			return nil
		}
		if _, ok := lastErr.(permanentError); ok {
			return lastErr
		}
		c.logger.Warn("webhook attempt failed", "envelope_id", env.ID, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *Connector) post(ctx context.Context, env core.Envelope, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanentError{err: err}
	}
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set("X-Envelope-ID", env.ID)
	req.Header.Set("X-Envelope-Kind", string(env.Kind))
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return permanentError{status: resp.StatusCode}
	}
}
