/*
Copyright 2025 The KCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache holds the in-memory mirror of every watched monitoring
// resource.
//
// Objects are deep-copied on write and must be treated as read-only by every
// caller. Writes replace a whole object under the write lock, so a reader
// always sees either the previous or the next version of a resource.
package cache

import (
	"fmt"
	"sort"
	"sync"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
)

// Key identifies a resource in the cache.
type Key struct {
	Kind      monitoringv1.ResourceKind
	Namespace string
	Name      string
}

// KeyFor returns the key of obj.
func KeyFor(obj monitoringv1.Object) Key {
	return Key{
		Kind:      obj.ResourceKind(),
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

// String returns kind/namespace/name, omitting the namespace for cluster
// scoped kinds.
func (k Key) String() string {
	if k.Namespace == "" {
		return fmt.Sprintf("%s/%s", k.Kind, k.Name)
	}
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Namespace, k.Name)
}

// Reader is the read side of the cache shared with reconcilers and the alert
// engine.
type Reader interface {
	Get(key Key) (monitoringv1.Object, bool)
	List(kind monitoringv1.ResourceKind) []monitoringv1.Object
}

// ResourceCache is a thread-safe store of monitoring resources indexed by
// kind.
type ResourceCache struct {
	mu    sync.RWMutex
	items map[monitoringv1.ResourceKind]map[Key]monitoringv1.Object
}

var _ Reader = &ResourceCache{}

// New returns an empty cache.
func New() *ResourceCache {
	return &ResourceCache{
		items: make(map[monitoringv1.ResourceKind]map[Key]monitoringv1.Object),
	}
}

// Get returns the cached object for key.
func (c *ResourceCache) Get(key Key) (monitoringv1.Object, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, ok := c.items[key.Kind][key]
	return obj, ok
}

// List returns all cached objects of kind sorted by namespace and name.
func (c *ResourceCache) List(kind monitoringv1.ResourceKind) []monitoringv1.Object {
	c.mu.RLock()
	objs := make([]monitoringv1.Object, 0, len(c.items[kind]))
	for _, obj := range c.items[kind] {
		objs = append(objs, obj)
	}
	c.mu.RUnlock()

	sort.Slice(objs, func(i, j int) bool {
		if objs[i].GetNamespace() != objs[j].GetNamespace() {
			return objs[i].GetNamespace() < objs[j].GetNamespace()
		}
		return objs[i].GetName() < objs[j].GetName()
	})
	return objs
}

// Upsert stores a copy of obj and returns its key.
func (c *ResourceCache) Upsert(obj monitoringv1.Object) Key {
	key := KeyFor(obj)
	stored := obj.DeepCopyObject().(monitoringv1.Object)

	c.mu.Lock()
	defer c.mu.Unlock()

	byKey, ok := c.items[key.Kind]
	if !ok {
		byKey = make(map[Key]monitoringv1.Object)
		c.items[key.Kind] = byKey
	}
	byKey[key] = stored
	return key
}

// Delete removes key and reports whether it was present.
func (c *ResourceCache) Delete(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key.Kind][key]; !ok {
		return false
	}
	delete(c.items[key.Kind], key)
	return true
}

// Replace swaps the full content of kind with objs in one step and returns
// the keys that were cached before but are not part of objs.
func (c *ResourceCache) Replace(kind monitoringv1.ResourceKind, objs []monitoringv1.Object) []Key {
	next := make(map[Key]monitoringv1.Object, len(objs))
	for _, obj := range objs {
		if obj.ResourceKind() != kind {
			continue
		}
		next[KeyFor(obj)] = obj.DeepCopyObject().(monitoringv1.Object)
	}

	c.mu.Lock()
	previous := c.items[kind]
	c.items[kind] = next
	c.mu.Unlock()

	var removed []Key
	for key := range previous {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].String() < removed[j].String()
	})
	return removed
}

// Len returns the number of cached objects of kind.
func (c *ResourceCache) Len(kind monitoringv1.ResourceKind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items[kind])
}
