package network

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestStage(t *testing.T) {
	assert.NoError(t, WithStage(StageRead, nil))

	err := WithStage(StageAuth, io.EOF)
	assert.Equal(t, StageAuth, StageOf(err))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "auth: EOF", err.Error())

	wrapped := errors.Wrap(err, "handshake")
	assert.Equal(t, StageAuth, StageOf(wrapped))
	assert.Equal(t, StageUnknown, StageOf(io.EOF))
}
