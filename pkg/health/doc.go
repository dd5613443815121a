/*
Copyright 2024 The KCP Authors.

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

// Package health folds check results into the debounced health state of
// each monitor.
//
// A monitor starts pending and follows its raw results edge-triggered: a
// single down result moves an up monitor to down and vice versa. When the
// raw result toggles too often within a trailing window the monitor is
// flapping until the toggles age out. Paused monitors ignore results.
//
// The Tracker is the authoritative copy of health. What is written to the
// Monitor status is derived from it.
package health
