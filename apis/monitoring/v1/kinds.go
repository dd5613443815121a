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
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ResourceKind is the closed set of kinds served under monitoring.yuptime.io.
type ResourceKind string

const (
	KindMonitor           ResourceKind = "Monitor"
	KindMonitorSet        ResourceKind = "MonitorSet"
	KindMaintenanceWindow ResourceKind = "MaintenanceWindow"
	KindSilence           ResourceKind = "Silence"
	KindYuptimeSettings   ResourceKind = "YuptimeSettings"
)

// Kinds lists every kind in the order the controller starts watching them.
// Suppression rules and settings come first so they are cached before the
// first monitor transition is evaluated.
var Kinds = []ResourceKind{
	KindYuptimeSettings,
	KindMaintenanceWindow,
	KindSilence,
	KindMonitor,
	KindMonitorSet,
}

// Object is implemented by every top-level type of this API group. The
// interface is sealed: only types declared in this package satisfy it.
type Object interface {
	runtime.Object
	metav1.Object

	// ResourceKind returns the kind of the object.
	ResourceKind() ResourceKind

	monitoringObject()
}

func (*Monitor) ResourceKind() ResourceKind           { return KindMonitor }
func (*MonitorSet) ResourceKind() ResourceKind        { return KindMonitorSet }
func (*MaintenanceWindow) ResourceKind() ResourceKind { return KindMaintenanceWindow }
func (*Silence) ResourceKind() ResourceKind           { return KindSilence }
func (*YuptimeSettings) ResourceKind() ResourceKind   { return KindYuptimeSettings }

func (*Monitor) monitoringObject()           {}
func (*MonitorSet) monitoringObject()        {}
func (*MaintenanceWindow) monitoringObject() {}
func (*Silence) monitoringObject()           {}
func (*YuptimeSettings) monitoringObject()   {}

// Plural returns the resource name used in API paths.
func (k ResourceKind) Plural() string {
	switch k {
	case KindMonitor:
		return "monitors"
	case KindMonitorSet:
		return "monitorsets"
	case KindMaintenanceWindow:
		return "maintenancewindows"
	case KindSilence:
		return "silences"
	case KindYuptimeSettings:
		return "yuptimesettings"
	}
	panic(fmt.Sprintf("unknown resource kind %q", string(k)))
}

// Namespaced reports whether objects of the kind live in a namespace.
func (k ResourceKind) Namespaced() bool {
	return k != KindYuptimeSettings
}

// GroupVersionResource returns the GVR to use with dynamic clients.
func (k ResourceKind) GroupVersionResource() schema.GroupVersionResource {
	return SchemeGroupVersion.WithResource(k.Plural())
}

// GroupVersionKind returns the fully qualified kind.
func (k ResourceKind) GroupVersionKind() schema.GroupVersionKind {
	return SchemeGroupVersion.WithKind(string(k))
}

// ListKind returns the kind name of the list type.
func (k ResourceKind) ListKind() string {
	return string(k) + "List"
}

// New returns an empty object of the kind.
func (k ResourceKind) New() Object {
	switch k {
	case KindMonitor:
		return &Monitor{}
	case KindMonitorSet:
		return &MonitorSet{}
	case KindMaintenanceWindow:
		return &MaintenanceWindow{}
	case KindSilence:
		return &Silence{}
	case KindYuptimeSettings:
		return &YuptimeSettings{}
	}
	panic(fmt.Sprintf("unknown resource kind %q", string(k)))
}

// FromUnstructured decodes an unstructured object served by a dynamic client
// into its typed representation.
func FromUnstructured(u *unstructured.Unstructured) (Object, error) {
	kind := ResourceKind(u.GetKind())
	if !kind.known() {
		return nil, fmt.Errorf("unsupported kind %q", u.GetKind())
	}
	obj := kind.New()
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.UnstructuredContent(), obj); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s/%s: %w", kind, u.GetNamespace(), u.GetName(), err)
	}
	obj.GetObjectKind().SetGroupVersionKind(kind.GroupVersionKind())
	return obj, nil
}

// ToUnstructured encodes a typed object for use with dynamic clients.
func ToUnstructured(obj Object) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s/%s: %w", obj.ResourceKind(), obj.GetNamespace(), obj.GetName(), err)
	}
	u := &unstructured.Unstructured{Object: content}
	u.SetGroupVersionKind(obj.ResourceKind().GroupVersionKind())
	return u, nil
}

func (k ResourceKind) known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
