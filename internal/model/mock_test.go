package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tutu-network/corerun/internal/domain"
)

func TestMockInferGeneratesMaxTokens(t *testing.T) {
	m := NewMock(1024)
	params := domain.DefaultInferenceParams()
	params.MaxTokens = 5
	out, err := m.Infer(context.Background(), nil, params, nil)
	assert.NoError(t, err)
	assert.Len(t, out, 5)
}

func TestMockInferStopsOnCancel(t *testing.T) {
	m := NewMock(1024)
	params := domain.DefaultInferenceParams()
	params.MaxTokens = 100
	calls := 0
	cancel := CancelFlagFunc(func() bool {
		calls++
		return calls > 3
	})
	out, err := m.Infer(context.Background(), nil, params, cancel)
	assert.NoError(t, err)
	assert.Less(t, len(out), 100)
}

func TestMockStreamEmitsFinalChunk(t *testing.T) {
	m := NewMock(1024)
	params := domain.DefaultInferenceParams()
	params.MaxTokens = 3
	var chunks []uint32
	var sawFinal bool
	err := m.Stream(context.Background(), nil, params, nil, func(token uint32, isFinal bool, err error) {
		chunks = append(chunks, token)
		if isFinal {
			sawFinal = true
		}
	})
	assert.NoError(t, err)
	assert.Len(t, chunks, 3)
	assert.True(t, sawFinal)
}
