// Package docload extracts plain text from corpus files. Formats form a
// closed set dispatched by file extension, each behind a narrow extract
// function whose failures (including parser panics) stay scoped to the
// one file being read.
package docload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies a supported document format.
type Format string

const (
	FormatPlainText Format = "plaintext"
	FormatPDF       Format = "pdf"
	FormatDocx      Format = "docx"
)

// LoadError reports a failed extraction, tagged with the format that failed.
type LoadError struct {
	Path   string
	Format Format
	Err    error
}

func (e *LoadError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("load %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("load %s (%s): %v", e.Path, e.Format, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type extractFunc func(path string) (string, error)

var extractors = map[string]struct {
	format Format
	fn     extractFunc
}{
	".txt":  {FormatPlainText, extractPlainText},
	".md":   {FormatPlainText, extractPlainText},
	".pdf":  {FormatPDF, extractPDF},
	".docx": {FormatDocx, extractDocx},
}

// Supported reports whether the file's extension maps to a known format.
func Supported(path string) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load extracts text from the file at path, dispatching on its extension.
// Parser panics are converted into a LoadError so a pathological file
// cannot take down a batch run.
func Load(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := extractors[ext]
	if !ok {
		// No format applies, so the error carries none.
		return "", &LoadError{Path: path, Err: fmt.Errorf("unsupported extension %q", ext)}
	}
	text, err := extract(path, e.fn)
	if err != nil {
		return "", &LoadError{Path: path, Format: e.format, Err: err}
	}
	return text, nil
}

// extract runs fn with panic containment. Third-party parsers are treated
// as capable of aborting on any input.
func extract(path string, fn extractFunc) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()
	return fn(path)
}

func extractPlainText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
