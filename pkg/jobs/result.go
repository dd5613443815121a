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

package jobs

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
)

// RequestEnv is the environment variable carrying the Request document.
const RequestEnv = "YUPTIME_CHECK_REQUEST"

// Request is the document handed to the checker.
type Request struct {
	Type            monitoringv1.MonitorType `json:"type"`
	Target          json.RawMessage          `json:"target,omitempty"`
	SuccessCriteria json.RawMessage          `json:"successCriteria,omitempty"`
	TimeoutSeconds  int32                    `json:"timeoutSeconds"`
}

// NewRequest builds the checker request for check.
func NewRequest(check Check) Request {
	return Request{
		Type:            check.Type,
		Target:          rawJSON(check.Target),
		SuccessCriteria: rawJSON(check.SuccessCriteria),
		TimeoutSeconds:  int32(check.Timeout / time.Second),
	}
}

// EncodeRequest returns the JSON form of the checker request for check.
func EncodeRequest(check Check) (string, error) {
	data, err := json.Marshal(NewRequest(check))
	if err != nil {
		return "", fmt.Errorf("failed to encode check request: %w", err)
	}
	return string(data), nil
}

func rawJSON(ext *runtime.RawExtension) json.RawMessage {
	if ext == nil || len(ext.Raw) == 0 {
		return nil
	}
	return json.RawMessage(ext.Raw)
}

// ParseResult decodes and validates a result document written by the
// checker. A result without checkedAt is stamped with now.
func ParseResult(output []byte, now time.Time) (monitoringv1.CheckResult, error) {
	var result monitoringv1.CheckResult

	output = bytes.TrimSpace(output)
	if len(output) == 0 {
		return result, fmt.Errorf("checker produced no output")
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return monitoringv1.CheckResult{}, fmt.Errorf("malformed checker output: %w", err)
	}

	switch result.State {
	case monitoringv1.ResultUp, monitoringv1.ResultDown:
	default:
		return monitoringv1.CheckResult{}, fmt.Errorf("malformed checker output: unknown state %q", result.State)
	}
	if result.Reason == "" {
		return monitoringv1.CheckResult{}, fmt.Errorf("malformed checker output: missing reason")
	}
	if result.LatencyMs < 0 {
		return monitoringv1.CheckResult{}, fmt.Errorf("malformed checker output: negative latency %d", result.LatencyMs)
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = metav1Time(now)
	}
	return result, nil
}

func metav1Time(t time.Time) metav1.Time {
	return metav1.NewTime(t)
}
