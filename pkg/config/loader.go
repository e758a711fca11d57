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
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/energyhub/permission-mediation/internal/eventlog"
	"github.com/energyhub/permission-mediation/internal/lifecycle"
	"github.com/energyhub/permission-mediation/internal/projection"
	"github.com/energyhub/permission-mediation/internal/sweep"
	"github.com/energyhub/permission-mediation/pkg/core"
)

type Config struct {
	Log              LogConfig               `yaml:"log"`
	API              APIConfig               `yaml:"api"`
	EventLog         eventlog.Config         `yaml:"event_log"`
	Projection       projection.Config       `yaml:"projection"`
	Sweep            SweepConfig             `yaml:"sweep"`
	Retransmission   RetransmissionConfig    `yaml:"retransmission"`
	Routes           RoutesConfig            `yaml:"routes"`
	RegionConnectors []RegionConnectorConfig `yaml:"region_connectors"`
	Outbound         []OutboundConfig        `yaml:"outbound_connectors"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// SweepConfig is expressed in whole hours for the staleness threshold.
type SweepConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StalenessHours int           `yaml:"staleness_hours"`
	AwaitingStatus string        `yaml:"awaiting_status"`
	TargetStatus   string        `yaml:"target_status"`
}

type RetransmissionConfig struct {
	ActiveStatuses []string `yaml:"active_statuses"`
}

// RoutesConfig holds country code aliases: country -> region connector id.
type RoutesConfig struct {
	Aliases map[string]string `yaml:"aliases"`
}

type RegionConnectorConfig struct {
	ID        string            `yaml:"id"`
	Type      string            `yaml:"type"`
	Countries []string          `yaml:"countries"`
	Config    map[string]string `yaml:"config"`
}

type OutboundConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Port     int               `yaml:"port"`
	Kinds    []string          `yaml:"kinds"`
	Buffer   int               `yaml:"buffer"`
	Overflow string            `yaml:"overflow"`
	Headers  map[string]string `yaml:"headers"`
	Config   map[string]string `yaml:"config"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.EventLog.Type == "" {
		c.EventLog.Type = eventlog.StoreTypeMemory
	}
	if c.Projection.Type == "" {
		c.Projection.Type = projection.ViewTypeMemory
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = time.Hour
	}
	if c.Sweep.StalenessHours <= 0 {
		c.Sweep.StalenessHours = 24
	}
	c.Sweep.AwaitingStatus = strings.ToUpper(strings.TrimSpace(c.Sweep.AwaitingStatus))
	if c.Sweep.AwaitingStatus == "" {
		c.Sweep.AwaitingStatus = string(core.StatusSentToAdministrator)
	}
	c.Sweep.TargetStatus = strings.ToUpper(strings.TrimSpace(c.Sweep.TargetStatus))
	if c.Sweep.TargetStatus == "" {
		c.Sweep.TargetStatus = string(core.StatusTimedOut)
	}
	if len(c.Retransmission.ActiveStatuses) == 0 {
		c.Retransmission.ActiveStatuses = []string{string(core.StatusAccepted)}
	}
}

// Validate checks the sweep statuses and connector entries; the first
// problem found is returned.
func (c *Config) Validate() error {
	if err := c.Sweep.validate(lifecycle.DefaultMachine()); err != nil {
		return err
	}
	ids := make(map[string]bool)
	for i, rc := range c.RegionConnectors {
		if rc.ID == "" || rc.Type == "" {
			return fmt.Errorf("%w: region_connectors[%d] needs id and type", core.ErrValidation, i)
		}
		if ids[rc.ID] {
			return fmt.Errorf("%w: duplicate region connector id %q", core.ErrValidation, rc.ID)
		}
		ids[rc.ID] = true
	}
	names := make(map[string]bool)
	for i, oc := range c.Outbound {
		if oc.Name == "" || oc.Type == "" {
			return fmt.Errorf("%w: outbound_connectors[%d] needs name and type", core.ErrValidation, i)
		}
		if names[oc.Name] {
			return fmt.Errorf("%w: duplicate outbound connector name %q", core.ErrValidation, oc.Name)
		}
		names[oc.Name] = true
		if _, err := oc.EnvelopeKinds(); err != nil {
			return fmt.Errorf("outbound connector %s: %w", oc.Name, err)
		}
	}
	return nil
}

// validate requires the sweep to move from a non-terminal awaiting status
// along an existing edge into a terminal one.
func (s SweepConfig) validate(m *lifecycle.Machine) error {
	awaiting, target := core.Status(s.AwaitingStatus), core.Status(s.TargetStatus)
	if m.IsTerminal(awaiting) {
		return fmt.Errorf("%w: sweep awaiting_status %s is terminal", core.ErrValidation, awaiting)
	}
	if !m.Allowed(awaiting, target) {
		return fmt.Errorf("%w: sweep cannot move %s to %s", core.ErrValidation, awaiting, target)
	}
	if !m.IsTerminal(target) {
		return fmt.Errorf("%w: sweep target_status %s is not terminal", core.ErrValidation, target)
	}
	return nil
}

func (s SweepConfig) ToSweep() sweep.Config {
	return sweep.Config{
		Interval:       s.Interval,
		Staleness:      time.Duration(s.StalenessHours) * time.Hour,
		AwaitingStatus: core.Status(s.AwaitingStatus),
		TargetStatus:   core.Status(s.TargetStatus),
	}
}

func (r RetransmissionConfig) Statuses() []core.Status {
	out := make([]core.Status, 0, len(r.ActiveStatuses))
	for _, s := range r.ActiveStatuses {
		out = append(out, core.Status(strings.ToUpper(strings.TrimSpace(s))))
	}
	return out
}

// EnvelopeKinds parses the configured kinds. None configured means every
// outbound kind.
func (o OutboundConfig) EnvelopeKinds() ([]core.EnvelopeKind, error) {
	if len(o.Kinds) == 0 {
		return append([]core.EnvelopeKind(nil), core.OutboundKinds...), nil
	}
	kinds := make([]core.EnvelopeKind, 0, len(o.Kinds))
	for _, k := range o.Kinds {
		kind, err := core.ParseEnvelopeKind(strings.TrimSpace(k))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func (o OutboundConfig) SubscribeOptions() core.SubscribeOptions {
	return core.SubscribeOptions{Buffer: o.Buffer, Overflow: core.ParseOverflowPolicy(o.Overflow)}
}

func (o OutboundConfig) String(key, def string) string { return lookup(o.Config, key, def) }

func (o OutboundConfig) List(key string) []string { return split(o.Config[key]) }

func (o OutboundConfig) Int(key string, def int) int { return intValue(o.Config, key, def) }

func (o OutboundConfig) Duration(key string, def time.Duration) time.Duration {
	return durationValue(o.Config, key, def)
}

func (r RegionConnectorConfig) String(key, def string) string { return lookup(r.Config, key, def) }

func (r RegionConnectorConfig) Int(key string, def int) int { return intValue(r.Config, key, def) }

func (r RegionConnectorConfig) Duration(key string, def time.Duration) time.Duration {
	return durationValue(r.Config, key, def)
}

func lookup(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}

func split(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intValue(m map[string]string, key string, def int) int {
	n, err := strconv.Atoi(m[key])
	if err != nil {
		return def
	}
	return n
}

func durationValue(m map[string]string, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(m[key])
	if err != nil {
		return def
	}
	return d
}
