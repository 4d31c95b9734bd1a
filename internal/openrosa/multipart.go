package openrosa

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// SubmissionFieldName is the multipart field that carries the instance XML
const SubmissionFieldName = "xml_submission_file"

// IncompleteFieldName marks a POST that more batches will follow
const IncompleteFieldName = "*isIncomplete*"

// Part is one file of a submission
type Part struct {
	FieldName string
	Path      string
	Size      int64
}

// NewPart describes the file at path. Attachments use their file name as
// the field name.
func NewPart(path, fieldName string) (Part, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Part{}, err
	}
	if fieldName == "" {
		fieldName = filepath.Base(path)
	}
	return Part{FieldName: fieldName, Path: path, Size: info.Size()}, nil
}

// ContentType guesses the MIME type of a submission file from its extension
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".xml":
		return "text/xml"
	case ".csv":
		return "text/csv"
	case ".geojson":
		return "application/geo+json"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// BuildSubmission encodes parts as a multipart/form-data body. When
// incomplete is set an extra field tells the server more parts follow.
func BuildSubmission(parts []Part, incomplete bool) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, p := range parts {
		if err := writeFilePart(w, p); err != nil {
			return nil, "", err
		}
	}

	if incomplete {
		if err := w.WriteField(IncompleteFieldName, "yes"); err != nil {
			return nil, "", fmt.Errorf("failed to write incomplete marker: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, p Part) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p.Path, err)
	}
	defer f.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(p.FieldName), escapeQuotes(filepath.Base(p.Path))))
	h.Set("Content-Type", ContentType(p.Path))

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part %s: %w", p.FieldName, err)
	}
	if _, err := io.Copy(pw, f); err != nil {
		return fmt.Errorf("failed to write part %s: %w", p.FieldName, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
