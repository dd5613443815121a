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
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/martinlindhe/base36"
	"go.uber.org/multierr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"
)

const (
	// LabelManagedBy marks every workload created by the controller.
	LabelManagedBy = "app.kubernetes.io/managed-by"
	// LabelMonitorNamespace and LabelMonitorName identify the monitor.
	LabelMonitorNamespace = "monitoring.yuptime.io/monitor-namespace"
	LabelMonitorName      = "monitoring.yuptime.io/monitor"
	// LabelRunID identifies a single execution.
	LabelRunID = "monitoring.yuptime.io/run-id"

	managedByValue = "yuptime"
	containerName  = "checker"

	DefaultCheckerImage     = "ghcr.io/yuptime/checker:latest"
	DefaultTTLAfterFinished = 300 * time.Second
	DefaultPollInterval     = time.Second
)

// CheckerConfig controls the workloads created for checks. It can be changed
// at runtime.
type CheckerConfig struct {
	Image string
	// Namespace to run checks in. Empty runs the check in the namespace of
	// the monitor.
	Namespace          string
	ServiceAccountName string
}

// KubernetesExecutor runs each check as a batch/v1 Job whose single
// container writes the CheckResult to its termination message.
type KubernetesExecutor struct {
	client       kubernetes.Interface
	slack        time.Duration
	ttl          time.Duration
	pollInterval time.Duration

	mu     sync.RWMutex
	config CheckerConfig
}

var _ Executor = &KubernetesExecutor{}

// NewKubernetesExecutor creates an executor using client.
func NewKubernetesExecutor(client kubernetes.Interface, config CheckerConfig) *KubernetesExecutor {
	e := &KubernetesExecutor{
		client:       client,
		slack:        DefaultSlack,
		ttl:          DefaultTTLAfterFinished,
		pollInterval: DefaultPollInterval,
	}
	e.SetConfig(config)
	return e
}

// SetSlack changes the grace period added to the check timeout for the Job
// deadline. It must be called before the first Start.
func (e *KubernetesExecutor) SetSlack(slack time.Duration) {
	if slack > 0 {
		e.slack = slack
	}
}

// SetConfig replaces the checker configuration used for new executions.
func (e *KubernetesExecutor) SetConfig(config CheckerConfig) {
	if config.Image == "" {
		config.Image = DefaultCheckerImage
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = config
}

// Config returns the current checker configuration.
func (e *KubernetesExecutor) Config() CheckerConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// JobName returns the name of the Job executing runID for the monitor.
func JobName(check Check, runID string) string {
	sum := sha256.Sum256([]byte(check.Key.String()))
	hash := strings.ToLower(base36.EncodeBytes(sum[:8]))
	run := strings.ReplaceAll(runID, "-", "")
	if len(run) > 8 {
		run = run[:8]
	}
	return fmt.Sprintf("yuptime-check-%s-%s", hash, run)
}

func (e *KubernetesExecutor) jobFor(check Check, runID string) (*batchv1.Job, error) {
	request, err := EncodeRequest(check)
	if err != nil {
		return nil, err
	}
	config := e.Config()

	namespace := config.Namespace
	if namespace == "" {
		namespace = check.Key.Namespace
	}
	jobLabels := map[string]string{
		LabelManagedBy:        managedByValue,
		LabelMonitorNamespace: check.Key.Namespace,
		LabelMonitorName:      check.Key.Name,
		LabelRunID:            runID,
	}
	deadline := int64((check.Timeout + e.slack + time.Second - 1) / time.Second)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(check, runID),
			Namespace: namespace,
			Labels:    jobLabels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			ActiveDeadlineSeconds:   ptr.To(deadline),
			TTLSecondsAfterFinished: ptr.To(int32(e.ttl / time.Second)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: jobLabels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: config.ServiceAccountName,
					Containers: []corev1.Container{{
						Name:  containerName,
						Image: config.Image,
						Env: []corev1.EnvVar{{
							Name:  RequestEnv,
							Value: request,
						}},
						TerminationMessagePath:   corev1.TerminationMessagePathDefault,
						TerminationMessagePolicy: corev1.TerminationMessageFallbackToLogsOnError,
					}},
				},
			},
		},
	}, nil
}

// Start creates the Job.
func (e *KubernetesExecutor) Start(ctx context.Context, check Check, runID string) (Handle, error) {
	job, err := e.jobFor(check, runID)
	if err != nil {
		return Handle{}, err
	}

	created, err := e.client.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return Handle{}, fmt.Errorf("job %s/%s already exists: %w", job.Namespace, job.Name, err)
		}
		return Handle{}, fmt.Errorf("failed to create job %s/%s: %w", job.Namespace, job.Name, err)
	}

	klog.FromContext(ctx).V(4).Info("Created check job", "namespace", created.Namespace, "name", created.Name)
	return Handle{Namespace: created.Namespace, Name: created.Name, RunID: runID}, nil
}

// Wait polls the Job until it completed or failed and returns the
// termination message of the checker container.
func (e *KubernetesExecutor) Wait(ctx context.Context, h Handle) ([]byte, error) {
	var finished *batchv1.Job
	err := wait.PollUntilContextCancel(ctx, e.pollInterval, true, func(ctx context.Context) (bool, error) {
		job, err := e.client.BatchV1().Jobs(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("job %s/%s disappeared", h.Namespace, h.Name)
			}
			klog.FromContext(ctx).V(4).Info("Failed to get check job, retrying", "err", err)
			return false, nil
		}
		if jobFinished(job) {
			finished = job
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	message, exitCode, found, err := e.terminationMessage(ctx, h)
	if err != nil {
		return nil, err
	}
	if !found {
		if reason := failureReason(finished); reason != "" {
			return nil, fmt.Errorf("check job failed: %s", reason)
		}
		return nil, fmt.Errorf("check job %s/%s finished without a terminated checker container", h.Namespace, h.Name)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("checker exited with code %d: %s", exitCode, strings.TrimSpace(message))
	}
	return []byte(message), nil
}

func (e *KubernetesExecutor) terminationMessage(ctx context.Context, h Handle) (string, int32, bool, error) {
	pods, err := e.client.CoreV1().Pods(h.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{LabelRunID: h.RunID}).String(),
	})
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to list pods of job %s/%s: %w", h.Namespace, h.Name, err)
	}
	for _, pod := range pods.Items {
		for _, status := range pod.Status.ContainerStatuses {
			if status.Name != containerName || status.State.Terminated == nil {
				continue
			}
			return status.State.Terminated.Message, status.State.Terminated.ExitCode, true, nil
		}
	}
	return "", 0, false, nil
}

func jobFinished(job *batchv1.Job) bool {
	if job.Status.Succeeded > 0 || job.Status.Failed > 0 {
		return true
	}
	for _, c := range job.Status.Conditions {
		if (c.Type == batchv1.JobComplete || c.Type == batchv1.JobFailed) && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func failureReason(job *batchv1.Job) string {
	if job == nil {
		return ""
	}
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			if c.Message != "" {
				return c.Reason + ": " + c.Message
			}
			return c.Reason
		}
	}
	return ""
}

// Cleanup deletes the Job and any pod it left behind.
func (e *KubernetesExecutor) Cleanup(ctx context.Context, h Handle) error {
	var errs error

	err := e.client.BatchV1().Jobs(h.Namespace).Delete(ctx, h.Name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("failed to delete job %s/%s: %w", h.Namespace, h.Name, err))
	}

	if h.RunID == "" {
		return errs
	}
	pods, err := e.client.CoreV1().Pods(h.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{LabelRunID: h.RunID}).String(),
	})
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("failed to list pods of job %s/%s: %w", h.Namespace, h.Name, err))
	}
	for _, pod := range pods.Items {
		err := e.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete pod %s/%s: %w", pod.Namespace, pod.Name, err))
		}
	}
	return errs
}
