package engine

import (
	iface "DetOverlay/interface"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRoles(t *testing.T) {
	t.Run("named pre-decoded outputs", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "detection_boxes", Shape: []int{1, 10, 4}},
			{Index: 1, Name: "detection_classes", Shape: []int{1, 10}},
			{Index: 2, Name: "detection_scores", Shape: []int{1, 10}},
			{Index: 3, Name: "num_detections", Shape: []int{1}},
		}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 0, ra.Index(RoleBoxes))
		assert.Equal(t, 1, ra.Index(RoleClasses))
		assert.Equal(t, 2, ra.Index(RoleScores))
		assert.Equal(t, 3, ra.Index(RoleCount))
		assert.False(t, ra.Has(RoleLogits))
		assert.False(t, ra.Degraded)
	})

	t.Run("order does not matter", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "StatefulPartitionedCall:1", Shape: []int{1, 25}},
			{Index: 1, Name: "StatefulPartitionedCall:3", Shape: []int{1, 25, 4}},
			{Index: 2, Name: "StatefulPartitionedCall:0", Shape: []int{1}},
			{Index: 3, Name: "StatefulPartitionedCall:2", Shape: []int{1, 25}},
		}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 1, ra.Index(RoleBoxes))
		assert.Equal(t, 2, ra.Index(RoleCount))
		// unnamed [1,N] tensors fill scores first, then classes
		assert.Equal(t, 0, ra.Index(RoleScores))
		assert.Equal(t, 3, ra.Index(RoleClasses))
	})

	t.Run("single detection model", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "detection_boxes", Shape: []int{1, 1, 4}},
			{Index: 1, Name: "detection_classes", Shape: []int{1, 1}},
			{Index: 2, Name: "detection_scores", Shape: []int{1, 1}},
			{Index: 3, Name: "num_detections", Shape: []int{1}},
		}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 0, ra.Index(RoleBoxes))
		assert.Equal(t, 1, ra.Index(RoleClasses))
		assert.Equal(t, 2, ra.Index(RoleScores))
		assert.Equal(t, 3, ra.Index(RoleCount))
	})

	t.Run("named count wins over an anonymous scalar", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "StatefulPartitionedCall:0", Shape: []int{1, 1}},
			{Index: 1, Name: "num_detections", Shape: []int{1}},
		}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 1, ra.Index(RoleCount))
		assert.Equal(t, 0, ra.Index(RoleScores))
	})

	t.Run("assigned roles are never overwritten", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "detection_boxes", Shape: []int{1, 10, 4}},
			{Index: 1, Name: "detection_scores", Shape: []int{1, 10}},
			{Index: 2, Name: "anchors", Shape: []int{1, 10, 4}},
			{Index: 3, Name: "detection_scores_raw", Shape: []int{3, 3}},
			{Index: 4, Name: "num_detections", Shape: []int{1}},
			{Index: 5, Name: "num_detections_total", Shape: []int{1}},
		}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 0, ra.Index(RoleBoxes))
		assert.Equal(t, 1, ra.Index(RoleScores))
		assert.Equal(t, 4, ra.Index(RoleCount))
		assert.False(t, ra.Has(RoleClasses))
	})

	t.Run("raw logits model", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "raw_outputs/box_encodings", Shape: []int{1, 1917, 4}},
			{Index: 1, Name: "raw_outputs/class_predictions", Shape: []int{1, 1917, 91}},
		}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 0, ra.Index(RoleBoxes))
		assert.Equal(t, 1, ra.Index(RoleLogits))
		assert.False(t, ra.Has(RoleScores))
		assert.False(t, ra.Has(RoleClasses))
	})

	t.Run("count shaped 1x1", func(t *testing.T) {
		descs := []iface.TensorDescriptor{{Index: 0, Name: "n", Shape: []int{1, 1}}}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 0, ra.Index(RoleCount))
		assert.False(t, ra.Has(RoleScores))
	})

	t.Run("name fallback for odd shapes", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "detection_boxes", Shape: []int{10, 4}},
			{Index: 1, Name: "num_detections", Shape: []int{2}},
		}
		ra := ResolveRoles(descs, nil)
		assert.Equal(t, 0, ra.Index(RoleBoxes))
		assert.Equal(t, 1, ra.Index(RoleCount))
		assert.False(t, ra.Degraded)
	})

	t.Run("degraded index order fallback", func(t *testing.T) {
		descs := []iface.TensorDescriptor{
			{Index: 0, Name: "a", Shape: []int{10, 4}},
			{Index: 1, Name: "b", Shape: []int{10}},
			{Index: 2, Name: "c", Shape: []int{10}},
			{Index: 3, Name: "d", Shape: []int{2}},
		}
		ra := ResolveRoles(descs, nil)
		assert.True(t, ra.Degraded)
		assert.Equal(t, 0, ra.Index(RoleBoxes))
		assert.Equal(t, 1, ra.Index(RoleClasses))
		assert.Equal(t, 2, ra.Index(RoleScores))
		assert.Equal(t, 3, ra.Index(RoleCount))
	})

	t.Run("degraded fallback with fewer tensors", func(t *testing.T) {
		descs := []iface.TensorDescriptor{{Index: 0, Name: "x", Shape: []int{7}}}
		ra := ResolveRoles(descs, nil)
		assert.True(t, ra.Degraded)
		assert.Equal(t, 0, ra.Index(RoleBoxes))
		assert.False(t, ra.Has(RoleClasses))
	})

	t.Run("no tensors", func(t *testing.T) {
		ra := ResolveRoles(nil, nil)
		assert.True(t, ra.Empty())
		assert.False(t, ra.Degraded)
	})
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "boxes", RoleBoxes.String())
	assert.Equal(t, "logits", RoleLogits.String())
	assert.Equal(t, "unknown", Role(42).String())
}
