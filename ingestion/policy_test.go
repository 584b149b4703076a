package ingestion

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/rag-local-api/apperr"
)

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatPDF, DetectFormat("Report.PDF"))
	assert.Equal(t, FormatDOCX, DetectFormat("notes.docx"))
	assert.Equal(t, FormatText, DetectFormat("dir/readme.Txt"))
	assert.Equal(t, FormatUnknown, DetectFormat("data.csv"))
	assert.Equal(t, FormatUnknown, DetectFormat("Makefile"))
}

func TestPolicyRejectsExtension(t *testing.T) {
	err := NewPolicy(8).Validate("table.csv", bytes.NewReader([]byte("a,b")))

	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), ".csv")
}

func TestPolicyRejectsLargeFile(t *testing.T) {
	policy := Policy{MaxBytes: 1024 * 1024}
	r := bytes.NewReader(make([]byte, 1536*1024))

	err := policy.Validate("big.txt", r)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Contains(t, err.Error(), "1.50 MB")
}

func TestPolicyRestoresReadPosition(t *testing.T) {
	r := bytes.NewReader([]byte("0123456789"))
	_, err := r.Seek(3, io.SeekStart)
	require.NoError(t, err)

	require.NoError(t, NewPolicy(8).Validate("ok.txt", r))

	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
}

func TestPolicyAcceptsLimitExactly(t *testing.T) {
	policy := Policy{MaxBytes: 10}
	assert.NoError(t, policy.Validate("ok.pdf", bytes.NewReader(make([]byte, 10))))
}
