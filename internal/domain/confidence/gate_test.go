package confidence_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
)

func ptr(f float64) *float64 { return &f }

func invoice() *confidence.Extraction {
	return &confidence.Extraction{
		Sections: []confidence.Section{
			{
				ID:    "s2",
				Class: "invoice",
				Pages: []int{2, 3},
				Fields: []confidence.Field{
					{Name: "total", Confidence: 0.65, Page: 3},
					{Name: "vendor", Confidence: 0.95, Page: 2},
					{Name: "date", Confidence: 0.50, Page: 2},
				},
			},
			{
				ID:    "s1",
				Class: "letter",
				Pages: []int{1},
				Fields: []confidence.Field{
					{Name: "sender", Confidence: 0.99, Page: 1},
				},
			},
		},
	}
}

func TestEvaluate_AllAboveThresholdPasses(t *testing.T) {
	x := &confidence.Extraction{Sections: []confidence.Section{{
		ID:     "s1",
		Fields: []confidence.Field{{Name: "a", Confidence: 0.9}, {Name: "b", Confidence: 0.70}},
	}}}
	out := confidence.Evaluate(x, confidence.Policy{DefaultThreshold: 0.70})
	if out.Decision != confidence.DecisionPass {
		t.Fatalf("expected PASS, got %s", out.Decision)
	}
	if len(out.Units) != 0 {
		t.Fatalf("expected no units, got %d", len(out.Units))
	}
}

func TestEvaluate_EmptyExtractionPasses(t *testing.T) {
	if got := confidence.Evaluate(&confidence.Extraction{}, confidence.Policy{}); got.Decision != confidence.DecisionPass {
		t.Fatalf("expected PASS, got %s", got.Decision)
	}
	if got := confidence.Evaluate(nil, confidence.Policy{}); got.Decision != confidence.DecisionPass {
		t.Fatalf("expected PASS for nil, got %s", got.Decision)
	}
}

func TestEvaluate_PageGranularity(t *testing.T) {
	out := confidence.Evaluate(invoice(), confidence.Policy{Granularity: confidence.GranularityPage})
	if out.Decision != confidence.DecisionNeedsReview {
		t.Fatalf("expected NEEDS_REVIEW, got %s", out.Decision)
	}
	var ids []string
	for _, u := range out.Units {
		ids = append(ids, u.ID)
	}
	want := []string{"s2#p2", "s2#p3"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("units = %v, want %v", ids, want)
	}
	if out.Units[0].Alerts[0].Field != "date" || out.Units[0].Alerts[0].Threshold != 0.70 {
		t.Fatalf("unexpected alert %+v", out.Units[0].Alerts[0])
	}
}

func TestEvaluate_SectionGranularity(t *testing.T) {
	out := confidence.Evaluate(invoice(), confidence.Policy{Granularity: confidence.GranularitySection})
	if len(out.Units) != 1 || out.Units[0].ID != "s2" {
		t.Fatalf("expected single unit s2, got %+v", out.Units)
	}
	if len(out.Units[0].Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(out.Units[0].Alerts))
	}
}

func TestEvaluate_ThresholdPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		field  confidence.Field
		policy confidence.Policy
		review bool
	}{
		{
			name:   "default applies",
			field:  confidence.Field{Name: "f", Confidence: 0.69},
			policy: confidence.Policy{},
			review: true,
		},
		{
			name:   "out of range default falls back to 0.70",
			field:  confidence.Field{Name: "f", Confidence: 0.75},
			policy: confidence.Policy{DefaultThreshold: 1.5},
			review: false,
		},
		{
			name:   "section class overrides default",
			field:  confidence.Field{Name: "f", Confidence: 0.75},
			policy: confidence.Policy{SectionThresholds: map[string]float64{"invoice": 0.8}},
			review: true,
		},
		{
			name:  "field policy overrides section",
			field: confidence.Field{Name: "f", Confidence: 0.75},
			policy: confidence.Policy{
				SectionThresholds: map[string]float64{"invoice": 0.8},
				FieldThresholds:   map[string]float64{"f": 0.7},
			},
			review: false,
		},
		{
			name:   "own threshold overrides policy",
			field:  confidence.Field{Name: "f", Confidence: 0.85, Threshold: ptr(0.9)},
			policy: confidence.Policy{FieldThresholds: map[string]float64{"f": 0.5}},
			review: true,
		},
		{
			name:   "zero own threshold is ignored",
			field:  confidence.Field{Name: "f", Confidence: 0.6, Threshold: ptr(0)},
			policy: confidence.Policy{},
			review: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &confidence.Extraction{Sections: []confidence.Section{{ID: "s", Class: "invoice", Fields: []confidence.Field{tt.field}}}}
			out := confidence.Evaluate(x, tt.policy)
			if got := out.Decision == confidence.DecisionNeedsReview; got != tt.review {
				t.Fatalf("needs review = %v, want %v", got, tt.review)
			}
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := confidence.Policy{Granularity: confidence.GranularityPage}
	first := confidence.Evaluate(invoice(), p)
	for range 20 {
		if got := confidence.Evaluate(invoice(), p); !reflect.DeepEqual(got, first) {
			t.Fatalf("outcome changed between runs: %+v vs %+v", got, first)
		}
	}
}

func TestUnitIDsAreDistinct(t *testing.T) {
	if got := confidence.UnitID("s1", 0); got != "s1" {
		t.Errorf("section unit id = %q", got)
	}
	if got := confidence.UnitID("s1", 4); got != "s1#p4" {
		t.Errorf("page unit id = %q", got)
	}

	// A section named like a page unit would share an id with page 1 of "a".
	x := &confidence.Extraction{Sections: []confidence.Section{
		{ID: "a", Pages: []int{1}},
		{ID: "a#p1", Pages: []int{2}},
	}}
	if err := x.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for section id with page separator, got %v", err)
	}
}

func TestApplyCorrections(t *testing.T) {
	x := invoice()
	n := x.ApplyCorrections("s2", 3, map[string]json.RawMessage{
		"total":    json.RawMessage(`"1,204.00"`),
		"currency": json.RawMessage(`"EUR"`),
	})
	if n != 2 {
		t.Fatalf("expected 2 fields written, got %d", n)
	}
	s := x.Sections[0]
	if string(s.Fields[0].Value) != `"1,204.00"` || !s.Fields[0].Corrected || s.Fields[0].Confidence != 1 {
		t.Fatalf("total not corrected: %+v", s.Fields[0])
	}
	if last := s.Fields[len(s.Fields)-1]; last.Name != "currency" || last.Page != 3 {
		t.Fatalf("expected appended currency field, got %+v", last)
	}
	if out := confidence.Evaluate(x, confidence.Policy{Granularity: confidence.GranularityPage}); len(out.Units) != 1 {
		t.Fatalf("page 3 should no longer need review, got %+v", out.Units)
	}
}

func TestCloneIsDeep(t *testing.T) {
	x := invoice()
	x.Sections[0].Fields[0].Threshold = ptr(0.9)
	c := x.Clone()
	c.Sections[0].Fields[0].Name = "changed"
	*c.Sections[0].Fields[0].Threshold = 0.1
	if x.Sections[0].Fields[0].Name != "total" || *x.Sections[0].Fields[0].Threshold != 0.9 {
		t.Fatal("clone shares memory with original")
	}
}

func TestValidate(t *testing.T) {
	bad := &confidence.Extraction{Sections: []confidence.Section{{ID: "a"}, {ID: "a"}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}
	bad = &confidence.Extraction{Sections: []confidence.Section{{ID: "a", Fields: []confidence.Field{{Name: "x", Confidence: 1.2}}}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected range error")
	}
	if err := invoice().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPagesProcessed(t *testing.T) {
	if got := invoice().PagesProcessed(); got != 3 {
		t.Fatalf("expected 3 distinct pages, got %d", got)
	}
	if got := (&confidence.Extraction{PageCount: 7}).PagesProcessed(); got != 7 {
		t.Fatalf("expected declared count, got %d", got)
	}
}
