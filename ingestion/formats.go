// Package ingestion validates uploads, loads them into documents, splits them
// into chunks and adds the chunks to the vector index.
package ingestion

import (
	"path/filepath"
	"strings"
)

// Format enumerates the accepted upload formats.
type Format string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown Format = ""
	FormatPDF     Format = "pdf"
	FormatText    Format = "txt"
	FormatDOCX    Format = "docx"
)

// SupportedFormats lists every format a loader is registered for.
var SupportedFormats = []Format{FormatPDF, FormatText, FormatDOCX}

// DetectFormat infers the format from the file name's extension, ignoring case.
func DetectFormat(name string) Format {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, f := range SupportedFormats {
		if ext == string(f) {
			return f
		}
	}
	return FormatUnknown
}

func supportedList() string {
	names := make([]string, 0, len(SupportedFormats))
	for _, f := range SupportedFormats {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}
