// Package pdfcreate renders pdf_create jobs into a small text PDF returned
// inline as base64.
package pdfcreate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"taskcore/internal/handlers"
)

const (
	JobType         = "pdf_create"
	defaultTitle    = "Generated document"
	defaultFilename = "document.pdf"
	mimeType        = "application/pdf"
)

var errNoContent = errors.New("pdf_create job requires content")

type Creator struct{}

func New() *Creator { return &Creator{} }

func (c *Creator) Validate(payload map[string]any) error {
	if strings.TrimSpace(handlers.StringParam(payload, "content")) == "" {
		return errNoContent
	}
	return nil
}

func (c *Creator) Execute(ctx context.Context, payload map[string]any) handlers.Outcome {
	if err := c.Validate(payload); err != nil {
		return handlers.Fatal(err)
	}
	if err := ctx.Err(); err != nil {
		return handlers.Retryable(err)
	}
	title := handlers.StringParam(payload, "title")
	if strings.TrimSpace(title) == "" {
		title = defaultTitle
	}
	filename := strings.TrimSpace(handlers.StringParam(payload, "filename"))
	if filename == "" {
		filename = defaultFilename
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		filename += ".pdf"
	}

	data, err := render(title, strings.TrimSpace(handlers.StringParam(payload, "content")))
	if err != nil {
		return handlers.Fatal(fmt.Errorf("render pdf: %w", err))
	}
	return handlers.Success(map[string]any{
		"file_name":   filename,
		"mime_type":   mimeType,
		"file_base64": base64.StdEncoding.EncodeToString(data),
		"size_bytes":  len(data),
	})
}

// render lays out a bold title followed by the content, one paragraph per
// line. Core fonts only cover cp1252; other runes are dropped.
func render(title, content string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetTitle(title, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 10, tr(title), "", "", false)
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range strings.Split(strings.ReplaceAll(content, "\t", "    "), "\n") {
		pdf.MultiCell(0, 7, tr(line), "", "", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
