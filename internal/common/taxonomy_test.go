package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ClassifiesEveryType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", &TransientRemoteError{Op: "get", Err: context.DeadlineExceeded}, KindTransient},
		{"permission", &PermissionError{Op: "scan", Reason: "not admin"}, KindPermission},
		{"validation", &ValidationError{Field: "email", Reason: "missing @"}, KindValidation},
		{"race", &RaceConditionError{ID: "u1", Reason: "identity reappeared"}, KindRaceCondition},
		{"partial", &PartialBatchFailure{Failures: []ItemFailure{{ID: "u1", Err: errors.New("x")}}}, KindPartialBatch},
		{"wrapped", fmt.Errorf("outer: %w", &PermissionError{Op: "x"}), KindPermission},
		{"plain", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTransient_WrapsOnlyUnclassified(t *testing.T) {
	assert.Nil(t, Transient("op", nil))

	perm := &PermissionError{Op: "x", Reason: "y"}
	assert.Same(t, perm, Transient("op", perm))

	base := errors.New("connection reset")
	err := Transient("profiles.get", base)
	require.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "profiles.get")
}

func TestPartialBatchFailure_ErrorListsItems(t *testing.T) {
	err := &PartialBatchFailure{Failures: []ItemFailure{
		{ID: "a", Err: errors.New("dup key")},
		{ID: "b", Err: errors.New("timeout")},
	}}

	msg := err.Error()
	assert.Contains(t, msg, "2 batch item(s) failed")
	assert.Contains(t, msg, "a: dup key")
	assert.Contains(t, msg, "b: timeout")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transient_remote", KindTransient.String())
	assert.Equal(t, "partial_batch", KindPartialBatch.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
