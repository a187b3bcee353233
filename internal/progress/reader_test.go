package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	read, total int64
}

func TestReader_ReportsAtIntervalsAndEOF(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 250)

	var reports []report

	r := NewReader(bytes.NewReader(payload), int64(len(payload)), 100, func(read, total int64) {
		reports = append(reports, report{read, total})
	})

	buf := make([]byte, 50)
	_, err := io.CopyBuffer(struct{ io.Writer }{io.Discard}, struct{ io.Reader }{r}, buf)
	require.NoError(t, err)

	assert.Equal(t, []report{{100, 250}, {200, 250}, {250, 250}}, reports)
	assert.Equal(t, int64(250), r.BytesRead())
	assert.True(t, r.Complete())
}

func TestReader_NoDuplicateEOFReport(t *testing.T) {
	var calls int

	r := NewReader(bytes.NewReader(make([]byte, 100)), 100, 100, func(int64, int64) { calls++ })

	buf := make([]byte, 100)
	_, err := io.CopyBuffer(struct{ io.Writer }{io.Discard}, struct{ io.Reader }{r}, buf)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestReader_Incomplete(t *testing.T) {
	r := NewReader(bytes.NewReader(make([]byte, 10)), 0, 0, nil)

	_, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.False(t, r.Complete())
	assert.Equal(t, int64(10), r.BytesRead())
}
