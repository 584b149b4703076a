package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// MinContentChars is the shortest trimmed text a loaded file may yield
// before it is treated as empty or scanned.
const MinContentChars = 20

// Document is one unit of loaded text. Metadata["source"] holds the name the
// file was uploaded under.
type Document struct {
	Content  string
	Metadata map[string]any
}

// Loader turns a staged file into documents.
type Loader interface {
	Load(ctx context.Context, path, source string) ([]Document, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, path, source string) ([]Document, error)

func (f LoaderFunc) Load(ctx context.Context, path, source string) ([]Document, error) {
	return f(ctx, path, source)
}

// Registry maps formats to loaders.
type Registry struct {
	loaders map[Format]Loader
}

// NewRegistry returns a registry with the PDF, DOCX and plain text loaders.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[Format]Loader, len(SupportedFormats))}
	r.Register(FormatPDF, LoaderFunc(loadPDF))
	r.Register(FormatDOCX, LoaderFunc(loadDOCX))
	r.Register(FormatText, LoaderFunc(loadText))
	return r
}

// Register installs or replaces the loader for f.
func (r *Registry) Register(f Format, l Loader) {
	r.loaders[f] = l
}

// Load picks the loader from the source name's extension and rejects output
// that carries no usable text.
func (r *Registry) Load(ctx context.Context, path, source string) ([]Document, error) {
	format := DetectFormat(source)
	loader, ok := r.loaders[format]
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, ErrUnsupportedFormat)
	}

	docs, err := loader.Load(ctx, path, source)
	if err != nil {
		return nil, err
	}
	if !hasUsableText(docs) {
		return nil, fmt.Errorf("%s: %w", source, ErrEmptyOrScannedDocument)
	}
	return docs, nil
}

func hasUsableText(docs []Document) bool {
	for _, d := range docs {
		if utf8.RuneCountInString(strings.TrimSpace(d.Content)) >= MinContentChars {
			return true
		}
	}
	return false
}

func newDocument(content, source string, format Format) Document {
	return Document{
		Content: content,
		Metadata: map[string]any{
			"source": source,
			"format": string(format),
		},
	}
}

func loadText(_ context.Context, path, source string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%s is not valid UTF-8 text: %w", source, ErrCorruptDocument)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return []Document{newDocument(text, source, FormatText)}, nil
}

// loadPDF yields one document per page that has a content stream.
func loadPDF(ctx context.Context, path, source string) (docs []Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			docs = nil
			err = fmt.Errorf("parse pdf %s: %v: %w", source, r, ErrCorruptDocument)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %v: %w", source, err, ErrCorruptDocument)
	}
	defer f.Close()

	total := reader.NumPage()
	docs = make([]Document, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		doc := newDocument(text, source, FormatPDF)
		doc.Metadata["page"] = i
		doc.Metadata["total_pages"] = total
		docs = append(docs, doc)
	}
	return docs, nil
}

func loadDOCX(_ context.Context, path, source string) ([]Document, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open docx %s: %v: %w", source, err, ErrCorruptDocument)
	}
	defer archive.Close()

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %v: %w", file.Name, source, err, ErrCorruptDocument)
		}
		text, err := extractDocumentText(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s in %s: %v: %w", file.Name, source, err, ErrCorruptDocument)
		}
		return []Document{newDocument(text, source, FormatDOCX)}, nil
	}
	return nil, fmt.Errorf("%s has no word/document.xml: %w", source, ErrCorruptDocument)
}

// extractDocumentText walks the WordprocessingML token stream so that text in
// tables and nested containers is kept. Paragraphs end with a newline.
func extractDocumentText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var (
		out    strings.Builder
		inText bool
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				inText = true
			case "tab":
				out.WriteByte('\t')
			case "br", "cr":
				out.WriteByte('\n')
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				out.Write(el)
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}
