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

// Package v1 contains the monitoring.yuptime.io/v1 API types: Monitor,
// MonitorSet, MaintenanceWindow, Silence and the cluster-scoped
// YuptimeSettings singleton.
//
// Status fields on these types are owned by the controller. Users write spec
// only; the status subresource is patched by the controller.
//
// +k8s:deepcopy-gen=package,register
// +groupName=monitoring.yuptime.io

package v1
