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
	"sync"
)

// Route decides what happens to inbound connector data besides delivery to
// the consumer channel.
type Route struct {
	Source    string
	Broadcast bool
	// Topic replaces the message topic on fan-out when set.
	Topic string
}

type Table struct {
	routes sync.Map
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Add(route *Route) {
	t.routes.Store(route.Source, route)
}

func (t *Table) Remove(source string) {
	t.routes.Delete(source)
}

func (t *Table) Lookup(source string) (*Route, bool) {
	v, ok := t.routes.Load(source)
	if !ok {
		return nil, false
	}
	return v.(*Route), true
}

// Broadcast reports whether data from source is fanned out to every
// downstream connection, and the topic to use.
func (t *Table) Broadcast(source, topic string) (string, bool) {
	r, ok := t.Lookup(source)
	if !ok || !r.Broadcast {
		return "", false
	}
	if r.Topic != "" {
		return r.Topic, true
	}
	return topic, true
}

func (t *Table) ReplaceAll(routes []*Route) {
	t.routes.Range(func(key, _ any) bool {
		t.routes.Delete(key)
		return true
	})
	for _, r := range routes {
		t.routes.Store(r.Source, r)
	}
}
