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

package watcher

import (
	"context"
	"sync"

	"k8s.io/client-go/dynamic"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
)

// Set runs one watcher per kind.
type Set []*Watcher

// NewSet creates watchers for every kind in kinds sharing base. Only Kind is
// overridden per watcher.
func NewSet(client dynamic.Interface, kinds []monitoringv1.ResourceKind, base Config) (Set, error) {
	set := make(Set, 0, len(kinds))
	for _, kind := range kinds {
		cfg := base
		cfg.Kind = kind
		cfg.Client = client
		w, err := New(cfg)
		if err != nil {
			return nil, err
		}
		set = append(set, w)
	}
	return set, nil
}

// Run starts every watcher and blocks until all of them returned.
func (s Set) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range s {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// HasSynced reports whether every watcher completed its first list.
func (s Set) HasSynced() bool {
	for _, w := range s {
		if !w.HasSynced() {
			return false
		}
	}
	return true
}

// Unsynced returns the kinds that have not synced yet.
func (s Set) Unsynced() []monitoringv1.ResourceKind {
	var kinds []monitoringv1.ResourceKind
	for _, w := range s {
		if !w.HasSynced() {
			kinds = append(kinds, w.Kind())
		}
	}
	return kinds
}
