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

// MonitorType names the check protocol executed by the checker.
type MonitorType string

const (
	MonitorTypeHTTP       MonitorType = "http"
	MonitorTypeTCP        MonitorType = "tcp"
	MonitorTypeDNS        MonitorType = "dns"
	MonitorTypePing       MonitorType = "ping"
	MonitorTypeWebsocket  MonitorType = "websocket"
	MonitorTypeGRPC       MonitorType = "grpc"
	MonitorTypeMySQL      MonitorType = "mysql"
	MonitorTypePostgreSQL MonitorType = "postgresql"
	MonitorTypeRedis      MonitorType = "redis"
	MonitorTypeKubernetes MonitorType = "k8s"
)

// MonitorTypes lists every supported check protocol.
var MonitorTypes = []MonitorType{
	MonitorTypeHTTP,
	MonitorTypeTCP,
	MonitorTypeDNS,
	MonitorTypePing,
	MonitorTypeWebsocket,
	MonitorTypeGRPC,
	MonitorTypeMySQL,
	MonitorTypePostgreSQL,
	MonitorTypeRedis,
	MonitorTypeKubernetes,
}

const (
	// DefaultIntervalSeconds is used when a schedule leaves the interval unset.
	DefaultIntervalSeconds int32 = 60

	// DefaultTimeoutSeconds is used when a schedule leaves the timeout unset.
	DefaultTimeoutSeconds int32 = 30
)

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
// +kubebuilder:subresource:status

// Monitor declares a periodic health check.
type Monitor struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MonitorSpec   `json:"spec,omitempty"`
	Status MonitorStatus `json:"status,omitempty"`
}

// MonitorSpec is the user-owned part of a Monitor.
type MonitorSpec struct {
	// Type is the check protocol.
	Type MonitorType `json:"type"`

	// Enabled turns scheduling on or off. Unset means enabled.
	// +optional
	Enabled *bool `json:"enabled,omitempty"`

	// +optional
	Schedule MonitorSchedule `json:"schedule,omitempty"`

	// Target holds protocol specific parameters passed verbatim to the checker.
	// +kubebuilder:pruning:PreserveUnknownFields
	// +optional
	Target *runtime.RawExtension `json:"target,omitempty"`

	// SuccessCriteria holds protocol specific pass conditions passed verbatim
	// to the checker.
	// +kubebuilder:pruning:PreserveUnknownFields
	// +optional
	SuccessCriteria *runtime.RawExtension `json:"successCriteria,omitempty"`
}

// MonitorSchedule controls how often and how long a check runs.
type MonitorSchedule struct {
	// +kubebuilder:validation:Minimum=1
	// +optional
	IntervalSeconds int32 `json:"intervalSeconds,omitempty"`

	// +kubebuilder:validation:Minimum=1
	// +optional
	TimeoutSeconds int32 `json:"timeoutSeconds,omitempty"`
}

// Interval returns the effective interval in seconds.
func (s MonitorSchedule) Interval() int32 {
	if s.IntervalSeconds <= 0 {
		return DefaultIntervalSeconds
	}
	return s.IntervalSeconds
}

// Timeout returns the effective timeout in seconds, capped at the interval.
func (s MonitorSchedule) Timeout() int32 {
	timeout := s.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	if interval := s.Interval(); timeout > interval {
		return interval
	}
	return timeout
}

// IsEnabled reports whether the monitor should be scheduled.
func (s MonitorSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// MonitorStatus is written exclusively by the controller.
type MonitorStatus struct {
	// LastResult is the most recent check outcome. It is absent while the
	// monitor is disabled or has never been checked.
	// +optional
	LastResult *CheckResult `json:"lastResult,omitempty"`

	// +optional
	Health *HealthStatus `json:"health,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// ResultState is the binary outcome of a single check.
type ResultState string

const (
	ResultUp   ResultState = "up"
	ResultDown ResultState = "down"
)

// Well known reason codes. Checkers may report others.
const (
	ReasonTimeout           = "TIMEOUT"
	ReasonInternalError     = "INTERNAL_ERROR"
	ReasonConnectionRefused = "CONNECTION_REFUSED"
	ReasonHTTPOK            = "HTTP_OK"
)

// CheckResult is the normalized outcome of one check execution.
type CheckResult struct {
	State   ResultState `json:"state"`
	Reason  string      `json:"reason"`
	Message string      `json:"message,omitempty"`

	// +kubebuilder:validation:Minimum=0
	LatencyMs int64 `json:"latencyMs"`

	CheckedAt metav1.Time `json:"checkedAt"`
}

// HealthState is the debounced state of a monitor.
type HealthState string

const (
	HealthPending  HealthState = "pending"
	HealthUp       HealthState = "up"
	HealthDown     HealthState = "down"
	HealthFlapping HealthState = "flapping"
	HealthPaused   HealthState = "paused"
)

// HealthStatus mirrors the in-memory health of a monitor.
type HealthStatus struct {
	State HealthState `json:"state"`

	// +optional
	LastTransitionAt *metav1.Time `json:"lastTransitionAt,omitempty"`

	// +optional
	ConsecutiveSameState int32 `json:"consecutiveSameState,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// MonitorList is a list of Monitors.
type MonitorList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []Monitor `json:"items"`
}
