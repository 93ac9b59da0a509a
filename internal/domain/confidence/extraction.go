// Package confidence models extraction output and the gate that decides
// whether it needs human review.
package confidence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/DocFlow/internal/domain"
)

// Field is one extracted value with the service's confidence in it.
// Threshold, when set and non-zero, overrides every policy threshold.
type Field struct {
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value,omitempty"`
	Confidence float64         `json:"confidence"`
	Threshold  *float64        `json:"confidence_threshold,omitempty"`
	Page       int             `json:"page,omitempty"`
	Corrected  bool            `json:"corrected,omitempty"`
}

// Section is a classified span of the document.
type Section struct {
	ID     string  `json:"id"`
	Class  string  `json:"class,omitempty"`
	Pages  []int   `json:"pages,omitempty"`
	Fields []Field `json:"fields"`
}

// Extraction is the structured result of one extraction job.
type Extraction struct {
	DocumentID string    `json:"document_id,omitempty"`
	PageCount  int       `json:"page_count,omitempty"`
	Sections   []Section `json:"sections"`
}

// Validate rejects results the gate cannot reason about.
func (x *Extraction) Validate() error {
	seen := make(map[string]bool, len(x.Sections))
	for i := range x.Sections {
		s := &x.Sections[i]
		if s.ID == "" {
			return fmt.Errorf("section %d has no id: %w", i, domain.ErrValidation)
		}
		if strings.Contains(s.ID, pageSep) {
			return fmt.Errorf("section id %q contains %q: %w", s.ID, pageSep, domain.ErrValidation)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate section id %q: %w", s.ID, domain.ErrValidation)
		}
		seen[s.ID] = true
		for _, f := range s.Fields {
			if f.Name == "" {
				return fmt.Errorf("section %q has an unnamed field: %w", s.ID, domain.ErrValidation)
			}
			if f.Confidence < 0 || f.Confidence > 1 {
				return fmt.Errorf("field %q confidence %v outside [0,1]: %w", f.Name, f.Confidence, domain.ErrValidation)
			}
		}
	}
	return nil
}

// PagesProcessed returns the declared page count, or the number of distinct
// pages referenced by sections when the service did not report one.
func (x *Extraction) PagesProcessed() int {
	if x.PageCount > 0 {
		return x.PageCount
	}
	pages := make(map[int]struct{})
	for _, s := range x.Sections {
		for _, p := range s.Pages {
			pages[p] = struct{}{}
		}
	}
	return len(pages)
}

// Clone returns a deep copy.
func (x *Extraction) Clone() *Extraction {
	if x == nil {
		return nil
	}
	out := &Extraction{DocumentID: x.DocumentID, PageCount: x.PageCount, Sections: make([]Section, len(x.Sections))}
	for i, s := range x.Sections {
		cs := Section{ID: s.ID, Class: s.Class, Pages: append([]int(nil), s.Pages...), Fields: make([]Field, len(s.Fields))}
		for j, f := range s.Fields {
			cf := f
			cf.Value = append(json.RawMessage(nil), f.Value...)
			if f.Threshold != nil {
				t := *f.Threshold
				cf.Threshold = &t
			}
			cs.Fields[j] = cf
		}
		out.Sections[i] = cs
	}
	return out
}

// ApplyCorrections overwrites field values in the given section with
// reviewer-supplied ones. page > 0 limits the update to fields on that page.
// Names with no matching field are appended as new fields. Corrected fields
// carry full confidence. Returns the number of fields written.
func (x *Extraction) ApplyCorrections(sectionID string, page int, corrections map[string]json.RawMessage) int {
	if len(corrections) == 0 {
		return 0
	}
	for i := range x.Sections {
		s := &x.Sections[i]
		if s.ID != sectionID {
			continue
		}
		applied := 0
		matched := make(map[string]bool, len(corrections))
		for j := range s.Fields {
			f := &s.Fields[j]
			if page > 0 && f.Page != 0 && f.Page != page {
				continue
			}
			v, ok := corrections[f.Name]
			if !ok {
				continue
			}
			f.Value = append(json.RawMessage(nil), v...)
			f.Confidence = 1
			f.Corrected = true
			matched[f.Name] = true
			applied++
		}
		for _, name := range sortedKeys(corrections) {
			if matched[name] {
				continue
			}
			s.Fields = append(s.Fields, Field{
				Name:       name,
				Value:      append(json.RawMessage(nil), corrections[name]...),
				Confidence: 1,
				Page:       page,
				Corrected:  true,
			})
			applied++
		}
		return applied
	}
	return 0
}
