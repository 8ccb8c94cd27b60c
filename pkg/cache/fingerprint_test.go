package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchling/batchling/pkg/adapter"
)

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	reqA := &adapter.CapturedRequest{
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   []byte(`{"model":"gpt-4o","temperature":0.2,"messages":[{"role":"user","content":"hi"}]}`),
	}
	reqB := &adapter.CapturedRequest{
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   []byte(`{"messages":[{"content":"hi","role":"user"}],"temperature":0.2,"model":"gpt-4o"}`),
	}

	fpA, err := Fingerprint("openai", reqA)
	require.NoError(t, err)
	fpB, err := Fingerprint("openai", reqB)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB, "fingerprints should be stable regardless of JSON key order")
}

func TestFingerprint_DiffersOnBodyChange(t *testing.T) {
	base := &adapter.CapturedRequest{
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
	}
	changed := &adapter.CapturedRequest{
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"bye"}]}`),
	}

	fpBase, err := Fingerprint("openai", base)
	require.NoError(t, err)
	fpChanged, err := Fingerprint("openai", changed)
	require.NoError(t, err)

	assert.NotEqual(t, fpBase, fpChanged)
}

func TestFingerprint_DiffersByProvider(t *testing.T) {
	req := &adapter.CapturedRequest{
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   []byte(`{"model":"gpt-4o","messages":[]}`),
	}

	fpOpenAI, err := Fingerprint("openai", req)
	require.NoError(t, err)
	fpOther, err := Fingerprint("azure-openai", req)
	require.NoError(t, err)

	assert.NotEqual(t, fpOpenAI, fpOther, "fingerprints must be scoped per provider")
}

func TestFingerprint_RejectsInvalidJSON(t *testing.T) {
	req := &adapter.CapturedRequest{
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   []byte(`not json`),
	}

	_, err := Fingerprint("openai", req)
	assert.Error(t, err)
}
