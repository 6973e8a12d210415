package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobFingerprint_KeyOrderInvariant(t *testing.T) {
	a := JobFingerprint("wf-1", []byte(`{"a":1,"b":"two"}`))
	b := JobFingerprint("wf-1", []byte(`{"b":"two","a":1}`))

	assert.Equal(t, a, b)
}

func TestJobFingerprint_WhitespaceInvariant(t *testing.T) {
	a := JobFingerprint("wf-1", []byte(`{"a": 1}`))
	b := JobFingerprint("wf-1", []byte(`{"a":1}`))

	assert.Equal(t, a, b)
}

func TestJobFingerprint_DifferentParamsDiffer(t *testing.T) {
	a := JobFingerprint("wf-1", []byte(`{"a":1}`))
	b := JobFingerprint("wf-1", []byte(`{"a":2}`))

	assert.NotEqual(t, a, b)
}

func TestJobFingerprint_DifferentWorkflowsDiffer(t *testing.T) {
	params := []byte(`{"a":1}`)

	assert.NotEqual(t, JobFingerprint("wf-1", params), JobFingerprint("wf-2", params))
}

func TestJobFingerprint_EmptyParams(t *testing.T) {
	a := JobFingerprint("wf-1", nil)
	b := JobFingerprint("wf-1", []byte{})

	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded sha256
}

func TestJobFingerprint_NonJSONHashesRaw(t *testing.T) {
	a := JobFingerprint("wf-1", []byte("not json"))
	b := JobFingerprint("wf-1", []byte("not json"))
	c := JobFingerprint("wf-1", []byte("not  json"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestJobOutcome_Status(t *testing.T) {
	assert.Equal(t, JobStatusCompleted, OutcomeCompleted.Status())
	assert.Equal(t, JobStatusFailed, OutcomeFailed.Status())
	assert.Equal(t, JobStatusCancelled, OutcomeCancelled.Status())
	assert.Equal(t, JobStatusTimeout, OutcomeTimeout.Status())
}
