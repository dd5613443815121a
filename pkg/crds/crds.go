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

// Package crds defines and installs the CustomResourceDefinitions of the
// monitoring.yuptime.io group.
package crds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	apiextensionshelpers "k8s.io/apiextensions-apiserver/pkg/apihelpers"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
)

// DefaultEstablishTimeout bounds WaitEstablished when the caller passes no
// timeout.
const DefaultEstablishTimeout = time.Minute

func object(props map[string]apiextensionsv1.JSONSchemaProps, required ...string) apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{Type: "object", Properties: props, Required: required}
}

func str(description string) apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{Type: "string", Description: description}
}

func integer(minimum float64) apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{Type: "integer", Format: "int32", Minimum: ptr.To(minimum)}
}

func boolean() apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{Type: "boolean"}
}

func dateTime() apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{Type: "string", Format: "date-time"}
}

func stringMap() apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{
		Type:                 "object",
		AdditionalProperties: &apiextensionsv1.JSONSchemaPropsOrBool{Schema: &apiextensionsv1.JSONSchemaProps{Type: "string"}},
	}
}

func stringList() apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{
		Type:  "array",
		Items: &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &apiextensionsv1.JSONSchemaProps{Type: "string"}},
	}
}

// opaque is passed to the checker verbatim.
func opaque() apiextensionsv1.JSONSchemaProps {
	return apiextensionsv1.JSONSchemaProps{Type: "object", XPreserveUnknownFields: ptr.To(true)}
}

func monitorType() apiextensionsv1.JSONSchemaProps {
	enum := make([]apiextensionsv1.JSON, 0, len(monitoringv1.MonitorTypes))
	for _, t := range monitoringv1.MonitorTypes {
		enum = append(enum, apiextensionsv1.JSON{Raw: []byte(`"` + string(t) + `"`)})
	}
	return apiextensionsv1.JSONSchemaProps{Type: "string", Enum: enum}
}

func schedule() apiextensionsv1.JSONSchemaProps {
	return object(map[string]apiextensionsv1.JSONSchemaProps{
		"intervalSeconds": integer(1),
		"timeoutSeconds":  integer(1),
	})
}

func checkResult() apiextensionsv1.JSONSchemaProps {
	return object(map[string]apiextensionsv1.JSONSchemaProps{
		"state":     {Type: "string", Enum: []apiextensionsv1.JSON{{Raw: []byte(`"up"`)}, {Raw: []byte(`"down"`)}}},
		"reason":    str(""),
		"message":   str(""),
		"latencyMs": {Type: "integer", Format: "int64", Minimum: ptr.To(0.0)},
		"checkedAt": dateTime(),
	}, "state", "reason", "latencyMs", "checkedAt")
}

func healthStatus() apiextensionsv1.JSONSchemaProps {
	return object(map[string]apiextensionsv1.JSONSchemaProps{
		"state":                str(""),
		"lastTransitionAt":     dateTime(),
		"consecutiveSameState": integer(0),
	}, "state")
}

func selector() apiextensionsv1.JSONSchemaProps {
	return object(map[string]apiextensionsv1.JSONSchemaProps{
		"matchNamespaces": stringList(),
		"matchLabels":     stringMap(),
	})
}

func suppressionStatus() apiextensionsv1.JSONSchemaProps {
	condition := object(map[string]apiextensionsv1.JSONSchemaProps{
		"type":               str(""),
		"status":             str(""),
		"reason":             str(""),
		"message":            str(""),
		"observedGeneration": {Type: "integer", Format: "int64"},
		"lastTransitionTime": dateTime(),
	}, "type", "status", "reason", "message", "lastTransitionTime")

	return object(map[string]apiextensionsv1.JSONSchemaProps{
		"conditions": {
			Type:         "array",
			Items:        &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &condition},
			XListType:    ptr.To("map"),
			XListMapKeys: []string{"type"},
		},
		"observedGeneration": {Type: "integer", Format: "int64"},
	})
}

func specs() map[monitoringv1.ResourceKind]apiextensionsv1.JSONSchemaProps {
	item := object(map[string]apiextensionsv1.JSONSchemaProps{
		"name":            str("Unique name of the item within the set."),
		"type":            monitorType(),
		"enabled":         boolean(),
		"schedule":        schedule(),
		"target":          opaque(),
		"successCriteria": opaque(),
		"labels":          stringMap(),
	}, "name")

	itemStatus := object(map[string]apiextensionsv1.JSONSchemaProps{
		"name":       str(""),
		"lastResult": checkResult(),
		"health":     healthStatus(),
	}, "name")

	return map[monitoringv1.ResourceKind]apiextensionsv1.JSONSchemaProps{
		monitoringv1.KindMonitor: object(map[string]apiextensionsv1.JSONSchemaProps{
			"spec": object(map[string]apiextensionsv1.JSONSchemaProps{
				"type":            monitorType(),
				"enabled":         boolean(),
				"schedule":        schedule(),
				"target":          opaque(),
				"successCriteria": opaque(),
			}, "type"),
			"status": object(map[string]apiextensionsv1.JSONSchemaProps{
				"lastResult":         checkResult(),
				"health":             healthStatus(),
				"observedGeneration": {Type: "integer", Format: "int64"},
			}),
		}),
		monitoringv1.KindMonitorSet: object(map[string]apiextensionsv1.JSONSchemaProps{
			"spec": object(map[string]apiextensionsv1.JSONSchemaProps{
				"defaults": object(map[string]apiextensionsv1.JSONSchemaProps{
					"type":            monitorType(),
					"enabled":         boolean(),
					"schedule":        schedule(),
					"successCriteria": opaque(),
				}),
				"items": {
					Type:         "array",
					Items:        &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &item},
					XListType:    ptr.To("map"),
					XListMapKeys: []string{"name"},
				},
			}, "items"),
			"status": object(map[string]apiextensionsv1.JSONSchemaProps{
				"items":              {Type: "array", Items: &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &itemStatus}},
				"observedGeneration": {Type: "integer", Format: "int64"},
			}),
		}),
		monitoringv1.KindMaintenanceWindow: object(map[string]apiextensionsv1.JSONSchemaProps{
			"spec": object(map[string]apiextensionsv1.JSONSchemaProps{
				"schedule": object(map[string]apiextensionsv1.JSONSchemaProps{
					"start":      dateTime(),
					"recurrence": str("RRULE such as FREQ=WEEKLY;BYDAY=SA,SU or a cron expression prefixed with cron:."),
					"timeZone":   str("IANA time zone, defaults to UTC."),
				}, "start"),
				"durationMinutes": integer(1),
				"selector":        selector(),
				"description":     str(""),
			}, "schedule", "durationMinutes", "selector"),
			"status": suppressionStatus(),
		}),
		monitoringv1.KindSilence: object(map[string]apiextensionsv1.JSONSchemaProps{
			"spec": object(map[string]apiextensionsv1.JSONSchemaProps{
				"startsAt": dateTime(),
				"endsAt":   dateTime(),
				"selector": selector(),
				"comment":  str(""),
			}, "startsAt", "endsAt", "selector"),
			"status": suppressionStatus(),
		}),
		monitoringv1.KindYuptimeSettings: object(map[string]apiextensionsv1.JSONSchemaProps{
			"spec": object(map[string]apiextensionsv1.JSONSchemaProps{
				"alerting": object(map[string]apiextensionsv1.JSONSchemaProps{
					"webhookURL":     str("Receiver of alert notifications. Empty disables them."),
					"timeoutSeconds": integer(1),
					"externalURL":    str(""),
				}),
				"flapDetection": object(map[string]apiextensionsv1.JSONSchemaProps{
					"threshold":       integer(monitoringv1.MinFlapThreshold),
					"windowIntervals": integer(1),
				}),
				"checker": object(map[string]apiextensionsv1.JSONSchemaProps{
					"image":              str(""),
					"namespace":          str(""),
					"serviceAccountName": str(""),
				}),
			}),
		}),
	}
}

func printerColumns(kind monitoringv1.ResourceKind) []apiextensionsv1.CustomResourceColumnDefinition {
	age := apiextensionsv1.CustomResourceColumnDefinition{Name: "Age", Type: "date", JSONPath: ".metadata.creationTimestamp"}
	switch kind {
	case monitoringv1.KindMonitor:
		return []apiextensionsv1.CustomResourceColumnDefinition{
			{Name: "Type", Type: "string", JSONPath: ".spec.type"},
			{Name: "State", Type: "string", JSONPath: ".status.health.state"},
			{Name: "Reason", Type: "string", JSONPath: ".status.lastResult.reason"},
			age,
		}
	case monitoringv1.KindMaintenanceWindow, monitoringv1.KindSilence:
		return []apiextensionsv1.CustomResourceColumnDefinition{
			{Name: "Valid", Type: "string", JSONPath: `.status.conditions[?(@.type=="Valid")].status`},
			age,
		}
	}
	return []apiextensionsv1.CustomResourceColumnDefinition{age}
}

// Name returns the CRD name of kind.
func Name(kind monitoringv1.ResourceKind) string {
	return kind.Plural() + "." + monitoringv1.GroupName
}

// Definitions returns the CRDs of every kind.
func Definitions() []*apiextensionsv1.CustomResourceDefinition {
	schemas := specs()
	out := make([]*apiextensionsv1.CustomResourceDefinition, 0, len(monitoringv1.Kinds))
	for _, kind := range monitoringv1.Kinds {
		schema := schemas[kind]
		scope := apiextensionsv1.NamespaceScoped
		if !kind.Namespaced() {
			scope = apiextensionsv1.ClusterScoped
		}
		var subresources *apiextensionsv1.CustomResourceSubresources
		if _, ok := schema.Properties["status"]; ok {
			subresources = &apiextensionsv1.CustomResourceSubresources{Status: &apiextensionsv1.CustomResourceSubresourceStatus{}}
		}

		out = append(out, &apiextensionsv1.CustomResourceDefinition{
			ObjectMeta: metav1.ObjectMeta{Name: Name(kind)},
			Spec: apiextensionsv1.CustomResourceDefinitionSpec{
				Group: monitoringv1.GroupName,
				Names: apiextensionsv1.CustomResourceDefinitionNames{
					Plural:     kind.Plural(),
					Singular:   strings.ToLower(string(kind)),
					Kind:       string(kind),
					ListKind:   kind.ListKind(),
					Categories: []string{"yuptime"},
				},
				Scope: scope,
				Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
					Name:                     monitoringv1.SchemeGroupVersion.Version,
					Served:                   true,
					Storage:                  true,
					Schema:                   &apiextensionsv1.CustomResourceValidation{OpenAPIV3Schema: &schema},
					Subresources:             subresources,
					AdditionalPrinterColumns: printerColumns(kind),
				}},
			},
		})
	}
	return out
}

// Ensure creates missing CRDs and updates those whose spec differs. It
// attempts every CRD and returns the combined errors.
func Ensure(ctx context.Context, client apiextensionsclient.Interface) error {
	logger := klog.FromContext(ctx).WithValues("component", "crds")
	crdClient := client.ApiextensionsV1().CustomResourceDefinitions()

	var errs error
	for _, crd := range Definitions() {
		existing, err := crdClient.Get(ctx, crd.Name, metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			if _, err := crdClient.Create(ctx, crd, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
				errs = multierr.Append(errs, fmt.Errorf("failed to create CRD %s: %w", crd.Name, err))
				continue
			}
			logger.Info("Created CRD", "name", crd.Name)
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("failed to get CRD %s: %w", crd.Name, err))
		case equality.Semantic.DeepEqual(existing.Spec, crd.Spec):
			logger.V(4).Info("CRD up to date", "name", crd.Name)
		default:
			updated := existing.DeepCopy()
			updated.Spec = crd.Spec
			if _, err := crdClient.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to update CRD %s: %w", crd.Name, err))
				continue
			}
			logger.Info("Updated CRD", "name", crd.Name)
		}
	}
	return errs
}

// WaitEstablished blocks until every CRD is established or timeout passed.
func WaitEstablished(ctx context.Context, client apiextensionsclient.Interface, interval, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultEstablishTimeout
	}
	crdClient := client.ApiextensionsV1().CustomResourceDefinitions()

	pending := make(map[string]bool, len(monitoringv1.Kinds))
	for _, kind := range monitoringv1.Kinds {
		pending[Name(kind)] = true
	}

	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		for name := range pending {
			crd, err := crdClient.Get(ctx, name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return false, err
			}
			if apiextensionshelpers.IsCRDConditionTrue(crd, apiextensionsv1.Established) {
				delete(pending, name)
			}
		}
		return len(pending) == 0, nil
	})
	if err != nil {
		names := make([]string, 0, len(pending))
		for name := range pending {
			names = append(names, name)
		}
		return fmt.Errorf("CRDs not established: %s: %w", strings.Join(names, ", "), err)
	}
	return nil
}
