// Package document defines the input reference an execution processes.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Strob0t/DocFlow/internal/domain"
)

// Document points at the input to extract. The orchestrator never reads the
// bytes itself; URI is handed to the extraction service as-is.
type Document struct {
	ID          string            `json:"id,omitempty"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content_type,omitempty"`
	PageCount   int               `json:"page_count,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks that the document reference is usable.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.URI) == "" {
		return fmt.Errorf("document uri is required: %w", domain.ErrValidation)
	}
	if d.PageCount < 0 {
		return fmt.Errorf("page_count must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// Fingerprint is a stable digest of the input. Two start requests with the
// same execution id and fingerprint describe the same work.
func (d *Document) Fingerprint() string {
	h := sha256.New()
	writeField(h, d.ID)
	writeField(h, d.URI)
	writeField(h, d.ContentType)
	writeField(h, fmt.Sprint(d.PageCount))

	keys := make([]string, 0, len(d.Metadata))
	for k := range d.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, k)
		writeField(h, d.Metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, s string) {
	_, _ = fmt.Fprintf(w, "%d:%s;", len(s), s)
}
