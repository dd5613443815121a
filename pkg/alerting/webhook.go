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

package alerting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/common/model"
)

// DefaultWebhookTimeout bounds a single delivery.
const DefaultWebhookTimeout = 10 * time.Second

// AlertStatus is the lifecycle phase of a notification.
type AlertStatus string

const (
	StatusFiring   AlertStatus = "firing"
	StatusResolved AlertStatus = "resolved"
)

// Alert is one element of the payload posted to the receiver. It is
// accepted by the Alertmanager /api/v2/alerts endpoint.
type Alert struct {
	Status       AlertStatus    `json:"status"`
	Labels       model.LabelSet `json:"labels"`
	Annotations  model.LabelSet `json:"annotations,omitempty"`
	StartsAt     time.Time      `json:"startsAt"`
	EndsAt       *time.Time     `json:"endsAt,omitempty"`
	GeneratorURL string         `json:"generatorURL,omitempty"`
	Fingerprint  string         `json:"fingerprint"`
}

// Sender delivers alerts to a receiver.
type Sender interface {
	// Enabled reports whether a receiver is configured.
	Enabled() bool
	Send(ctx context.Context, alerts []Alert) error
}

// WebhookSender posts alerts as a JSON array. The target can be changed at
// runtime.
type WebhookSender struct {
	client *http.Client

	mu      sync.RWMutex
	url     string
	timeout time.Duration
}

var _ Sender = &WebhookSender{}

// NewWebhookSender creates a sender posting to url. An empty url disables
// delivery.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	s := &WebhookSender{client: &http.Client{}}
	s.SetTarget(url, timeout)
	return s
}

// SetTarget changes the receiver URL and the per delivery timeout.
func (s *WebhookSender) SetTarget(url string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	s.timeout = timeout
}

// Target returns the receiver URL and timeout.
func (s *WebhookSender) Target() (string, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url, s.timeout
}

func (s *WebhookSender) Enabled() bool {
	url, _ := s.Target()
	return url != ""
}

// Send makes a single delivery attempt.
func (s *WebhookSender) Send(ctx context.Context, alerts []Alert) error {
	url, timeout := s.Target()
	if url == "" {
		return fmt.Errorf("no webhook configured")
	}

	body, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to encode alerts: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "yuptime-controller")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// sanitizeLabelName maps a Kubernetes label key to a Prometheus label name.
func sanitizeLabelName(name string) model.LabelName {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return model.LabelName(b.String())
}
