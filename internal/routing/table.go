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

package routing

import (
	"strings"
	"sync"

	"github.com/energyhub/permission-mediation/pkg/core"
)

// Table maps routing keys to destinations. Country codes resolve through
// aliases: static ones registered with a destination, and configured ones
// that can be swapped at runtime and take precedence. A destination keyed
// by the country code itself is matched before static aliases.
type Table struct {
	destinations sync.Map // key -> core.Destination
	static       sync.Map // country -> key
	configured   sync.Map // country -> key
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Add(key string, dest core.Destination, countries ...string) {
	t.destinations.Store(key, dest)
	for _, c := range countries {
		if c = normalizeCountry(c); c != "" {
			t.static.LoadOrStore(c, key)
		}
	}
}

func (t *Table) Remove(key string) {
	t.destinations.Delete(key)
	t.static.Range(func(c, k any) bool {
		if k.(string) == key {
			t.static.Delete(c)
		}
		return true
	})
}

func (t *Table) Lookup(key string) (core.Destination, bool) {
	if key == "" {
		return nil, false
	}
	v, ok := t.destinations.Load(key)
	if !ok {
		return nil, false
	}
	return v.(core.Destination), true
}

// Resolve finds the destination for primary, falling back to the key the
// country code is aliased to. The key that matched is returned.
func (t *Table) Resolve(primary, country string) (string, core.Destination, bool) {
	if dest, ok := t.Lookup(primary); ok {
		return primary, dest, true
	}
	country = normalizeCountry(country)
	if country == "" {
		return "", nil, false
	}
	if key, dest, ok := t.alias(&t.configured, country); ok {
		return key, dest, true
	}
	// A destination may be keyed by the country code itself.
	for _, key := range []string{country, strings.ToLower(country)} {
		if dest, ok := t.Lookup(key); ok {
			return key, dest, true
		}
	}
	return t.alias(&t.static, country)
}

func (t *Table) alias(aliases *sync.Map, country string) (string, core.Destination, bool) {
	k, ok := aliases.Load(country)
	if !ok {
		return "", nil, false
	}
	dest, ok := t.Lookup(k.(string))
	if !ok {
		return "", nil, false
	}
	return k.(string), dest, true
}

// ReplaceAliases swaps the configured country aliases.
func (t *Table) ReplaceAliases(aliases map[string]string) {
	t.configured.Range(func(key, _ any) bool {
		t.configured.Delete(key)
		return true
	})
	for country, key := range aliases {
		if country = normalizeCountry(country); country != "" {
			t.configured.Store(country, key)
		}
	}
}

func (t *Table) Keys() []string {
	var keys []string
	t.destinations.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

func normalizeCountry(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
