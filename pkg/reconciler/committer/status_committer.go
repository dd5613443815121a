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

// Package committer writes status changes through the status subresource
// as JSON merge patches.
package committer

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/google/go-cmp/cmp"

	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"
)

// StatusResource is the generic view of an object for status updates.
type StatusResource[Sp any, St any] struct {
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              Sp `json:"spec"`
	Status            St `json:"status,omitempty"`
}

// NamespacedStatusPatcher scopes a patcher to a namespace, e.g. a
// dynamic.NamespaceableResourceInterface.
type NamespacedStatusPatcher[R runtime.Object, P StatusPatcher[R]] interface {
	Namespace(namespace string) P
}

// StatusPatcher is the Patch API of a single resource type.
type StatusPatcher[R runtime.Object] interface {
	Patch(ctx context.Context, name string, pt types.PatchType, data []byte, opts metav1.PatchOptions, subresources ...string) (R, error)
}

// StatusCommitFunc commits the status difference between old and obj.
type StatusCommitFunc[Sp any, St any] func(context.Context, *StatusResource[Sp, St], *StatusResource[Sp, St]) error

// NewStatusCommitter creates a status committer for a namespaced resource.
// Patches carry the UID of old as precondition, so a status computed for a
// deleted object is never written into a recreated one.
func NewStatusCommitter[R runtime.Object, P StatusPatcher[R], Sp any, St any](patcher NamespacedStatusPatcher[R, P], focusType string) StatusCommitFunc[Sp, St] {
	return func(ctx context.Context, old, obj *StatusResource[Sp, St]) error {
		return withStatusPatchAndSubResources(ctx, focusType, old, obj,
			func(patchBytes []byte, subresources []string) error {
				_, err := patcher.Namespace(old.Namespace).Patch(ctx, obj.Name, types.MergePatchType, patchBytes, metav1.PatchOptions{}, subresources...)
				return err
			})
	}
}

type statusPatchFunc func([]byte, []string) error

func withStatusPatchAndSubResources[Sp any, St any](ctx context.Context, focusType string, old, obj *StatusResource[Sp, St], patch statusPatchFunc) error {
	logger := klog.FromContext(ctx)
	patchBytes, subresources, err := generateStatusPatchAndSubResources(old, obj)
	if err != nil {
		return fmt.Errorf("failed to create status patch for %s %s: %w", focusType, obj.Name, err)
	}

	if len(patchBytes) == 0 {
		logger.V(5).Info("No status changes detected", "resource", focusType, "namespace", obj.Namespace, "name", obj.Name)
		return nil
	}

	logger.V(4).Info(fmt.Sprintf("patching %s status", focusType),
		"namespace", obj.Namespace,
		"name", obj.Name,
		"patch", string(patchBytes))

	if err := patch(patchBytes, subresources); err != nil {
		return fmt.Errorf("failed to patch %s status %s/%s: %w", focusType, old.Namespace, old.Name, err)
	}
	return nil
}

func generateStatusPatchAndSubResources[Sp any, St any](old, obj *StatusResource[Sp, St]) ([]byte, []string, error) {
	if equality.Semantic.DeepEqual(old.Status, obj.Status) {
		return nil, nil, nil
	}
	if !equality.Semantic.DeepEqual(old.Spec, obj.Spec) {
		panic(fmt.Sprintf("programmer error: spec changed in status commit. diff=%s", cmp.Diff(old.Spec, obj.Spec)))
	}

	oldData, err := json.Marshal(&StatusResource[Sp, St]{Status: old.Status})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal old status data for %s/%s: %w", old.Namespace, old.Name, err)
	}

	newForPatch := &StatusResource[Sp, St]{Status: obj.Status}
	// UID is a precondition of the patch.
	newForPatch.UID = old.UID

	newData, err := json.Marshal(newForPatch)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal new status data for %s/%s: %w", old.Namespace, old.Name, err)
	}

	patchBytes, err := jsonpatch.CreateMergePatch(oldData, newData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create status patch for %s/%s: %w", old.Namespace, old.Name, err)
	}
	return patchBytes, []string{"status"}, nil
}
