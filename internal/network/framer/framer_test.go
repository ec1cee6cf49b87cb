package framer

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

func TestLengthPrefixedFramer_RoundTrip(t *testing.T) {
	f := NewLengthPrefixedFramer(0)
	assert.Equal(t, DefaultMaxFrameSize, f.MaxFrameSize())

	var buf bytes.Buffer
	require.NoError(t, f.WriteFrame(&buf, []byte("hello")))
	require.NoError(t, f.WriteFrame(&buf, nil))
	require.NoError(t, f.WriteFrame(&buf, []byte("world")))

	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(buf.Bytes()[:HeaderSize]))

	body, err := f.ReadFrame(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	body, err = f.ReadFrame(&buf, body)
	require.NoError(t, err)
	assert.Empty(t, body)

	body, err = f.ReadFrame(&buf, body)
	require.NoError(t, err)
	assert.Equal(t, "world", string(body))

	_, err = f.ReadFrame(&buf, nil)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLengthPrefixedFramer_TooLarge(t *testing.T) {
	f := NewLengthPrefixedFramer(8)

	var buf bytes.Buffer
	err := f.WriteFrame(&buf, make([]byte, 9))
	assert.ErrorIs(t, err, merr.ErrConnFrameTooLarge)
	assert.Zero(t, buf.Len())

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 1024)
	_, err = f.ReadFrame(bytes.NewReader(header[:]), nil)
	assert.ErrorIs(t, err, merr.ErrConnFrameTooLarge)
}

func TestLengthPrefixedFramer_Truncated(t *testing.T) {
	f := NewLengthPrefixedFramer(0)

	_, err := f.ReadFrame(bytes.NewReader([]byte{0, 0}), nil)
	assert.ErrorIs(t, err, merr.ErrIoUnexpectEOF)

	var buf bytes.Buffer
	require.NoError(t, f.WriteFrame(&buf, []byte("truncated")))
	_, err = f.ReadFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-3]), nil)
	assert.ErrorIs(t, err, merr.ErrIoUnexpectEOF)
}

type countingWriter struct {
	writes int
	bytes.Buffer
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestLengthPrefixedFramer_SingleWrite(t *testing.T) {
	f := NewLengthPrefixedFramer(0)
	w := &countingWriter{}
	require.NoError(t, f.WriteFrame(w, []byte("one write per frame")))
	assert.Equal(t, 1, w.writes)
}
