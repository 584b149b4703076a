package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeDOCX(t *testing.T, documentXML string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

// onePagePDF renders a single Helvetica page showing text, with a valid xref table.
func onePagePDF(text string) []byte {
	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestRegistryLoadsText(t *testing.T) {
	path := writeFile(t, "x.txt", []byte("\xef\xbb\xbfLine one of the notes.\r\nLine two of the notes."))

	docs, err := NewRegistry().Load(context.Background(), path, "notes.txt")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Line one of the notes.\nLine two of the notes.", docs[0].Content)
	assert.Equal(t, "notes.txt", docs[0].Metadata["source"])
	assert.Equal(t, "txt", docs[0].Metadata["format"])
}

func TestRegistryRejectsInvalidUTF8(t *testing.T) {
	path := writeFile(t, "x.txt", []byte("valid prefix that is long enough \xff\xfe"))
	_, err := NewRegistry().Load(context.Background(), path, "latin1.txt")
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestRegistryRejectsShortText(t *testing.T) {
	path := writeFile(t, "x.txt", []byte("   too short   "))
	_, err := NewRegistry().Load(context.Background(), path, "short.txt")
	assert.ErrorIs(t, err, ErrEmptyOrScannedDocument)
}

func TestRegistryUnknownFormat(t *testing.T) {
	_, err := NewRegistry().Load(context.Background(), "/nonexistent", "sheet.xlsx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRegistryLoadsDOCX(t *testing.T) {
	path := writeDOCX(t, `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Quarterly report</w:t></w:r></w:p>
    <w:p><w:r><w:t xml:space="preserve">Revenue grew </w:t></w:r><w:r><w:t>twelve percent.</w:t></w:r></w:p>
    <w:tbl><w:tr><w:tc><w:p><w:r><w:t>cell text</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
  </w:body>
</w:document>`)

	docs, err := NewRegistry().Load(context.Background(), path, "report.docx")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Quarterly report\nRevenue grew twelve percent.\ncell text", docs[0].Content)
	assert.Equal(t, "docx", docs[0].Metadata["format"])
}

func TestRegistryCorruptDOCX(t *testing.T) {
	path := writeFile(t, "x.docx", []byte("this is not a zip archive at all"))
	_, err := NewRegistry().Load(context.Background(), path, "broken.docx")
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestRegistryLoadsPDF(t *testing.T) {
	path := writeFile(t, "page.pdf", onePagePDF("Hello from a real PDF page with text"))

	docs, err := NewRegistry().Load(context.Background(), path, "page.pdf")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Hello from a real PDF page with text", strings.TrimSpace(docs[0].Content))
	assert.Equal(t, 1, docs[0].Metadata["page"])
	assert.Equal(t, 1, docs[0].Metadata["total_pages"])
	assert.Equal(t, "pdf", docs[0].Metadata["format"])
	assert.Equal(t, "page.pdf", docs[0].Metadata["source"])
}

func TestRegistryCorruptPDF(t *testing.T) {
	path := writeFile(t, "x.pdf", []byte("%PDF-1.4\nthis is garbage without an xref table"))
	_, err := NewRegistry().Load(context.Background(), path, "broken.pdf")
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestRegistryCustomLoader(t *testing.T) {
	r := NewRegistry()
	r.Register(FormatText, LoaderFunc(func(_ context.Context, _, source string) ([]Document, error) {
		return []Document{newDocument("replaced loader output with enough text", source, FormatText)}, nil
	}))

	docs, err := r.Load(context.Background(), "/unused", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "replaced loader output with enough text", docs[0].Content)
}
