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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// MonitorSetLabel is added to the labels of every monitor expanded from a
// MonitorSet.
const MonitorSetLabel = GroupName + "/monitorset"

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
// +kubebuilder:subresource:status

// MonitorSet declares many similar monitors in one object. Every item is
// reconciled like a standalone Monitor named "<set>-<item>".
type MonitorSet struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MonitorSetSpec   `json:"spec,omitempty"`
	Status MonitorSetStatus `json:"status,omitempty"`
}

// MonitorSetSpec holds shared defaults and the item list.
type MonitorSetSpec struct {
	// +optional
	Defaults MonitorSetDefaults `json:"defaults,omitempty"`

	// +listType=map
	// +listMapKey=name
	Items []MonitorSetItem `json:"items"`
}

// MonitorSetDefaults apply to every item that does not override them.
type MonitorSetDefaults struct {
	// +optional
	Type MonitorType `json:"type,omitempty"`

	// +optional
	Enabled *bool `json:"enabled,omitempty"`

	// +optional
	Schedule MonitorSchedule `json:"schedule,omitempty"`

	// +kubebuilder:pruning:PreserveUnknownFields
	// +optional
	SuccessCriteria *runtime.RawExtension `json:"successCriteria,omitempty"`
}

// MonitorSetItem is one monitor of a set.
type MonitorSetItem struct {
	Name string `json:"name"`

	// +optional
	Type MonitorType `json:"type,omitempty"`

	// +optional
	Enabled *bool `json:"enabled,omitempty"`

	// +optional
	Schedule *MonitorSchedule `json:"schedule,omitempty"`

	// +kubebuilder:pruning:PreserveUnknownFields
	// +optional
	Target *runtime.RawExtension `json:"target,omitempty"`

	// +kubebuilder:pruning:PreserveUnknownFields
	// +optional
	SuccessCriteria *runtime.RawExtension `json:"successCriteria,omitempty"`

	// Labels are merged over the set's own labels.
	// +optional
	Labels map[string]string `json:"labels,omitempty"`
}

// MonitorSetStatus reports the per item results.
type MonitorSetStatus struct {
	// +optional
	Items []MonitorSetItemStatus `json:"items,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// MonitorSetItemStatus is the MonitorStatus of a single item.
type MonitorSetItemStatus struct {
	Name string `json:"name"`

	// +optional
	LastResult *CheckResult `json:"lastResult,omitempty"`

	// +optional
	Health *HealthStatus `json:"health,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// MonitorSetList is a list of MonitorSets.
type MonitorSetList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []MonitorSet `json:"items"`
}
