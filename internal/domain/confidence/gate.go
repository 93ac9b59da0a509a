package confidence

import (
	"fmt"
	"sort"
)

// DefaultThreshold applies when a policy carries no usable default.
const DefaultThreshold = 0.70

// Granularity selects how flagged output is split into review units.
type Granularity string

const (
	GranularitySection Granularity = "section"
	GranularityPage    Granularity = "page"
)

// Decision is the gate's verdict.
type Decision string

const (
	DecisionPass        Decision = "PASS"
	DecisionNeedsReview Decision = "NEEDS_REVIEW"
)

// Policy configures the gate. Threshold precedence, highest first: the
// field's own non-zero threshold, FieldThresholds[name],
// SectionThresholds[section class], DefaultThreshold.
type Policy struct {
	DefaultThreshold  float64
	Granularity       Granularity
	SectionThresholds map[string]float64
	FieldThresholds   map[string]float64
}

// Alert records one field that fell below its threshold.
type Alert struct {
	Field      string  `json:"field"`
	Page       int     `json:"page,omitempty"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// Unit is a unit of work requiring human review. Page is 0 for
// section-level units.
type Unit struct {
	ID        string  `json:"id"`
	SectionID string  `json:"section_id"`
	Page      int     `json:"page,omitempty"`
	Alerts    []Alert `json:"alerts"`
}

// Outcome is the result of Evaluate.
type Outcome struct {
	Decision Decision `json:"decision"`
	Units    []Unit   `json:"units,omitempty"`
}

// pageSep joins a section id and a page number in a page unit id. Section
// ids may not contain it, so unit ids never collide.
const pageSep = "#p"

// UnitID derives the stable identifier of a review unit.
func UnitID(sectionID string, page int) string {
	if page <= 0 {
		return sectionID
	}
	return fmt.Sprintf("%s%s%d", sectionID, pageSep, page)
}

// Evaluate decides whether x can be finalized automatically. It is pure:
// the same extraction and policy always produce the same outcome, with
// units ordered by section id then page.
func Evaluate(x *Extraction, p Policy) Outcome {
	if x == nil {
		return Outcome{Decision: DecisionPass}
	}
	def := p.defaultThreshold()

	var units []Unit
	for _, s := range x.Sections {
		byPage := make(map[int][]Alert)
		for _, f := range s.Fields {
			th := p.threshold(s, f, def)
			if f.Confidence >= th {
				continue
			}
			page := 0
			if p.Granularity == GranularityPage {
				page = f.Page
			}
			byPage[page] = append(byPage[page], Alert{
				Field:      f.Name,
				Page:       f.Page,
				Confidence: f.Confidence,
				Threshold:  th,
			})
		}
		for page, alerts := range byPage {
			sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Field < alerts[j].Field })
			units = append(units, Unit{
				ID:        UnitID(s.ID, page),
				SectionID: s.ID,
				Page:      page,
				Alerts:    alerts,
			})
		}
	}

	if len(units) == 0 {
		return Outcome{Decision: DecisionPass}
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].SectionID != units[j].SectionID {
			return units[i].SectionID < units[j].SectionID
		}
		return units[i].Page < units[j].Page
	})
	return Outcome{Decision: DecisionNeedsReview, Units: units}
}

func (p Policy) defaultThreshold() float64 {
	if p.DefaultThreshold <= 0 || p.DefaultThreshold > 1 {
		return DefaultThreshold
	}
	return p.DefaultThreshold
}

func (p Policy) threshold(s Section, f Field, def float64) float64 {
	if f.Threshold != nil && *f.Threshold != 0 {
		return *f.Threshold
	}
	if t, ok := p.FieldThresholds[f.Name]; ok && t > 0 {
		return t
	}
	if t, ok := p.SectionThresholds[s.Class]; ok && t > 0 {
		return t
	}
	return def
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
