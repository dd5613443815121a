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

// DefaultSettingsName is the name of the YuptimeSettings object the
// controller reads.
const DefaultSettingsName = "default"

// MinFlapThreshold is the smallest usable flap threshold. A threshold of one
// would mark every single state change as flapping.
const MinFlapThreshold = 2

// +genclient
// +genclient:nonNamespaced
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// YuptimeSettings carries controller wide runtime settings.
type YuptimeSettings struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec YuptimeSettingsSpec `json:"spec,omitempty"`
}

// YuptimeSettingsSpec groups the settings by consumer.
type YuptimeSettingsSpec struct {
	// +optional
	Alerting AlertingSettings `json:"alerting,omitempty"`

	// +optional
	FlapDetection FlapDetectionSettings `json:"flapDetection,omitempty"`

	// +optional
	Checker CheckerSettings `json:"checker,omitempty"`
}

// AlertingSettings configures the alert receiver.
type AlertingSettings struct {
	// WebhookURL receives POSTed alert arrays. Empty disables notifications.
	// +optional
	WebhookURL string `json:"webhookURL,omitempty"`

	// +optional
	TimeoutSeconds int32 `json:"timeoutSeconds,omitempty"`

	// ExternalURL is used as generatorURL prefix in alerts.
	// +optional
	ExternalURL string `json:"externalURL,omitempty"`
}

// FlapDetectionSettings tunes the state machine hysteresis.
type FlapDetectionSettings struct {
	// Threshold is the number of state toggles inside the window that marks
	// a monitor flapping.
	// +kubebuilder:validation:Minimum=2
	// +optional
	Threshold int32 `json:"threshold,omitempty"`

	// WindowIntervals is the trailing window expressed in check intervals.
	// +optional
	WindowIntervals int32 `json:"windowIntervals,omitempty"`
}

// CheckerSettings configures the check jobs.
type CheckerSettings struct {
	// +optional
	Image string `json:"image,omitempty"`

	// Namespace jobs run in. Empty runs every job in its monitor's namespace.
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// +optional
	ServiceAccountName string `json:"serviceAccountName,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// YuptimeSettingsList is a list of YuptimeSettings.
type YuptimeSettingsList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []YuptimeSettings `json:"items"`
}
