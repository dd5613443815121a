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
)

// ConditionValid is set on suppression rules after validation.
const ConditionValid = "Valid"

// Selector scopes a suppression rule to a set of monitors. Both fields are
// ANDed; an empty field does not restrict. A selector with neither field set
// matches no monitor at all.
type Selector struct {
	// +optional
	MatchNamespaces []string `json:"matchNamespaces,omitempty"`

	// +optional
	MatchLabels map[string]string `json:"matchLabels,omitempty"`
}

// IsEmpty reports whether neither namespaces nor labels are set.
func (s Selector) IsEmpty() bool {
	return len(s.MatchNamespaces) == 0 && len(s.MatchLabels) == 0
}

// Matches reports whether a monitor in namespace with labels is selected.
func (s Selector) Matches(namespace string, labels map[string]string) bool {
	if s.IsEmpty() {
		return false
	}
	if len(s.MatchNamespaces) > 0 {
		found := false
		for _, ns := range s.MatchNamespaces {
			if ns == namespace {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range s.MatchLabels {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
// +kubebuilder:subresource:status

// MaintenanceWindow suppresses alerts during recurring intervals.
type MaintenanceWindow struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MaintenanceWindowSpec `json:"spec,omitempty"`
	Status SuppressionStatus     `json:"status,omitempty"`
}

// MaintenanceWindowSpec describes when and for whom alerts are suppressed.
type MaintenanceWindowSpec struct {
	Schedule MaintenanceSchedule `json:"schedule"`

	// DurationMinutes is the length of every occurrence.
	// +kubebuilder:validation:Minimum=1
	DurationMinutes int32 `json:"durationMinutes"`

	Selector Selector `json:"selector"`

	// +optional
	Description string `json:"description,omitempty"`
}

// MaintenanceSchedule anchors a recurrence rule.
type MaintenanceSchedule struct {
	// Start is the first occurrence. For periodic rules occurrences never
	// begin before it.
	Start metav1.Time `json:"start"`

	// Recurrence is empty for a one-time window, an RRULE such as
	// "FREQ=WEEKLY;BYDAY=SA,SU" or a cron expression prefixed with "cron:".
	// +optional
	Recurrence string `json:"recurrence,omitempty"`

	// TimeZone is the IANA zone cron expressions and RRULE day boundaries are
	// evaluated in. Defaults to UTC.
	// +optional
	TimeZone string `json:"timeZone,omitempty"`
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
// +kubebuilder:subresource:status

// Silence suppresses alerts between two absolute points in time.
type Silence struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SilenceSpec       `json:"spec,omitempty"`
	Status SuppressionStatus `json:"status,omitempty"`
}

// SilenceSpec is a one-shot suppression interval [StartsAt, EndsAt).
type SilenceSpec struct {
	StartsAt metav1.Time `json:"startsAt"`
	EndsAt   metav1.Time `json:"endsAt"`
	Selector Selector    `json:"selector"`

	// +optional
	Comment string `json:"comment,omitempty"`
}

// SuppressionStatus is shared by MaintenanceWindow and Silence.
type SuppressionStatus struct {
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// MaintenanceWindowList is a list of MaintenanceWindows.
type MaintenanceWindowList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []MaintenanceWindow `json:"items"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// SilenceList is a list of Silences.
type SilenceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []Silence `json:"items"`
}
