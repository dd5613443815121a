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
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestExecutor(t *testing.T, config CheckerConfig) (*KubernetesExecutor, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	e := NewKubernetesExecutor(client, config)
	e.pollInterval = 5 * time.Millisecond
	return e, client
}

func finishJob(client *fake.Clientset, h Handle, exitCode int32, message string) error {
	ctx := context.Background()

	job, err := client.BatchV1().Jobs(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if exitCode == 0 {
		job.Status.Succeeded = 1
	} else {
		job.Status.Failed = 1
	}
	if _, err := client.BatchV1().Jobs(h.Namespace).UpdateStatus(ctx, job, metav1.UpdateOptions{}); err != nil {
		return err
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: h.Namespace,
			Name:      h.Name + "-abcde",
			Labels:    job.Spec.Template.Labels,
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				Name: containerName,
				State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
					ExitCode: exitCode,
					Message:  message,
				}},
			}},
		},
	}
	_, err = client.CoreV1().Pods(h.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	return err
}

func TestJobName(t *testing.T) {
	check := testCheck("web")
	name := JobName(check, "0f8fad5b-d9cb-469f-a165-70867728950e")

	assert.True(t, strings.HasPrefix(name, "yuptime-check-"))
	assert.True(t, strings.HasSuffix(name, "-0f8fad5b"))
	assert.Equal(t, strings.ToLower(name), name)
	assert.LessOrEqual(t, len(name), 63)
	assert.Equal(t, name, JobName(check, "0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.NotEqual(t, name, JobName(testCheck("api"), "0f8fad5b-d9cb-469f-a165-70867728950e"))
}

func TestStartCreatesJob(t *testing.T) {
	e, client := newTestExecutor(t, CheckerConfig{Image: "checker:test", ServiceAccountName: "yuptime-checker"})
	check := testCheck("web")
	check.Target = &runtime.RawExtension{Raw: []byte(`{"url":"https://example.com"}`)}

	h, err := e.Start(context.Background(), check, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "default", h.Namespace)

	job, err := client.BatchV1().Jobs("default").Get(context.Background(), h.Name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, *job.Spec.BackoffLimit)
	assert.EqualValues(t, 15, *job.Spec.ActiveDeadlineSeconds)
	assert.NotNil(t, job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, "run-1", job.Labels[LabelRunID])
	assert.Equal(t, "web", job.Labels[LabelMonitorName])

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, "yuptime-checker", pod.ServiceAccountName)
	require.Len(t, pod.Containers, 1)
	assert.Equal(t, "checker:test", pod.Containers[0].Image)
	require.Len(t, pod.Containers[0].Env, 1)
	assert.Equal(t, RequestEnv, pod.Containers[0].Env[0].Name)

	var request Request
	require.NoError(t, json.Unmarshal([]byte(pod.Containers[0].Env[0].Value), &request))
	assert.Equal(t, check.Type, request.Type)
	assert.EqualValues(t, 10, request.TimeoutSeconds)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(request.Target))
	assert.Empty(t, request.SuccessCriteria)
}

func TestStartUsesConfiguredNamespace(t *testing.T) {
	e, _ := newTestExecutor(t, CheckerConfig{})
	e.SetConfig(CheckerConfig{Namespace: "yuptime-system"})

	h, err := e.Start(context.Background(), testCheck("web"), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "yuptime-system", h.Namespace)
	assert.Equal(t, DefaultCheckerImage, e.Config().Image)
}

func TestWaitReturnsTerminationMessage(t *testing.T) {
	e, client := newTestExecutor(t, CheckerConfig{})
	h, err := e.Start(context.Background(), testCheck("web"), "run-1")
	require.NoError(t, err)

	require.NoError(t, finishJob(client, h, 0, upOutput))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := e.Wait(ctx, h)
	require.NoError(t, err)

	result, err := ParseResult(out, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "up", string(result.State))
}

func TestWaitReportsCrash(t *testing.T) {
	e, client := newTestExecutor(t, CheckerConfig{})
	h, err := e.Start(context.Background(), testCheck("web"), "run-1")
	require.NoError(t, err)

	require.NoError(t, finishJob(client, h, 2, "panic: nil map"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Wait(ctx, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 2")
}

func TestWaitHonoursContext(t *testing.T) {
	e, _ := newTestExecutor(t, CheckerConfig{})
	h, err := e.Start(context.Background(), testCheck("web"), "run-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Wait(ctx, h)
	assert.Error(t, err)
}

func TestCleanupRemovesJobAndPods(t *testing.T) {
	e, client := newTestExecutor(t, CheckerConfig{})
	h, err := e.Start(context.Background(), testCheck("web"), "run-1")
	require.NoError(t, err)
	require.NoError(t, finishJob(client, h, 0, upOutput))

	require.NoError(t, e.Cleanup(context.Background(), h))

	_, err = client.BatchV1().Jobs(h.Namespace).Get(context.Background(), h.Name, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	pods, err := client.CoreV1().Pods(h.Namespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)

	assert.NoError(t, e.Cleanup(context.Background(), h), "cleanup is idempotent")
}

func TestManagerWithKubernetesExecutor(t *testing.T) {
	e, client := newTestExecutor(t, CheckerConfig{})
	m := NewManager(e, Options{})
	check := testCheck("web")

	finished := make(chan error, 1)
	go func() {
		for {
			jobs, err := client.BatchV1().Jobs("default").List(context.Background(), metav1.ListOptions{})
			if err == nil && len(jobs.Items) == 1 {
				job := jobs.Items[0]
				finished <- finishJob(client, Handle{Namespace: job.Namespace, Name: job.Name, RunID: job.Labels[LabelRunID]}, 0, upOutput)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := m.RunCheck(context.Background(), check)
	require.NoError(t, err)
	require.NoError(t, <-finished)
	assert.Equal(t, "up", string(result.State))

	jobs, err := client.BatchV1().Jobs("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items, "the job is removed once the result was read")
}

func TestWaitReportsJobFailureWithoutPod(t *testing.T) {
	e, client := newTestExecutor(t, CheckerConfig{})
	h, err := e.Start(context.Background(), testCheck("web"), "run-1")
	require.NoError(t, err)

	job, err := client.BatchV1().Jobs(h.Namespace).Get(context.Background(), h.Name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Conditions = []batchv1.JobCondition{{
		Type:    batchv1.JobFailed,
		Status:  corev1.ConditionTrue,
		Reason:  "DeadlineExceeded",
		Message: "Job was active longer than specified deadline",
	}}
	_, err = client.BatchV1().Jobs(h.Namespace).UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Wait(ctx, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DeadlineExceeded")
}
