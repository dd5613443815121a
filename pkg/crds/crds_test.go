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

package crds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset/fake"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clienttesting "k8s.io/client-go/testing"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
)

func TestDefinitions(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, len(monitoringv1.Kinds))

	byKind := map[string]*apiextensionsv1.CustomResourceDefinition{}
	for _, crd := range defs {
		byKind[crd.Spec.Names.Kind] = crd
		require.Len(t, crd.Spec.Versions, 1)
		assert.Equal(t, "v1", crd.Spec.Versions[0].Name)
		assert.Equal(t, monitoringv1.GroupName, crd.Spec.Group)
	}

	monitor := byKind["Monitor"]
	assert.Equal(t, "monitors.monitoring.yuptime.io", monitor.Name)
	assert.Equal(t, apiextensionsv1.NamespaceScoped, monitor.Spec.Scope)
	assert.NotNil(t, monitor.Spec.Versions[0].Subresources)
	target := monitor.Spec.Versions[0].Schema.OpenAPIV3Schema.Properties["spec"].Properties["target"]
	assert.True(t, *target.XPreserveUnknownFields)

	settings := byKind["YuptimeSettings"]
	assert.Equal(t, apiextensionsv1.ClusterScoped, settings.Spec.Scope)
	assert.Nil(t, settings.Spec.Versions[0].Subresources)
	threshold := settings.Spec.Versions[0].Schema.OpenAPIV3Schema.Properties["spec"].Properties["flapDetection"].Properties["threshold"]
	require.NotNil(t, threshold.Minimum)
	assert.Equal(t, float64(2), *threshold.Minimum)
}

func TestEnsure(t *testing.T) {
	stale := Definitions()[0].DeepCopy()
	stale.Spec.Versions[0].AdditionalPrinterColumns = nil
	client := fake.NewSimpleClientset(stale)

	require.NoError(t, Ensure(context.Background(), client))

	list, err := client.ApiextensionsV1().CustomResourceDefinitions().List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list.Items, len(monitoringv1.Kinds))

	updated, err := client.ApiextensionsV1().CustomResourceDefinitions().Get(context.Background(), stale.Name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Spec.Versions[0].AdditionalPrinterColumns)

	client.ClearActions()
	require.NoError(t, Ensure(context.Background(), client))
	for _, action := range client.Actions() {
		assert.Equal(t, "get", action.GetVerb(), "nothing changes once installed")
	}
}

func TestEnsureContinuesAfterErrors(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "customresourcedefinitions", func(action clienttesting.Action) (bool, runtime.Object, error) {
		crd := action.(clienttesting.CreateAction).GetObject().(*apiextensionsv1.CustomResourceDefinition)
		if crd.Name == Name(monitoringv1.KindSilence) {
			return true, nil, apierrors.NewForbidden(apiextensionsv1.Resource("customresourcedefinitions"), crd.Name, nil)
		}
		return false, nil, nil
	})

	err := Ensure(context.Background(), client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), Name(monitoringv1.KindSilence))

	list, err := client.ApiextensionsV1().CustomResourceDefinitions().List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list.Items, len(monitoringv1.Kinds)-1)
}

func established(crd *apiextensionsv1.CustomResourceDefinition) *apiextensionsv1.CustomResourceDefinition {
	crd = crd.DeepCopy()
	crd.Status.Conditions = []apiextensionsv1.CustomResourceDefinitionCondition{{
		Type:   apiextensionsv1.Established,
		Status: apiextensionsv1.ConditionTrue,
	}}
	return crd
}

func TestWaitEstablished(t *testing.T) {
	var objs []runtime.Object
	for _, crd := range Definitions() {
		objs = append(objs, established(crd))
	}
	client := fake.NewSimpleClientset(objs...)
	assert.NoError(t, WaitEstablished(context.Background(), client, time.Millisecond, time.Second))
}

func TestWaitEstablishedTimesOut(t *testing.T) {
	defs := Definitions()
	objs := []runtime.Object{defs[0]}
	for _, crd := range defs[1:] {
		objs = append(objs, established(crd))
	}
	client := fake.NewSimpleClientset(objs...)

	err := WaitEstablished(context.Background(), client, time.Millisecond, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), defs[0].Name)
}
