package hostsim

import (
	"testing"

	"fmcalbridge/internal/model"
)

func TestMatchesCondition(t *testing.T) {
	rec := model.HostRecord{FieldData: map[string]any{
		"StartDate": "01/12/2025",
		"Status":    "open",
	}}

	tests := []struct {
		name  string
		field string
		cond  string
		want  bool
	}{
		{"gte hit", "StartDate", ">=01/10/2025", true},
		{"gte boundary", "StartDate", ">=01/12/2025", true},
		{"gte miss", "StartDate", ">=01/13/2025", false},
		{"lt hit", "StartDate", "<01/13/2025", true},
		{"lt boundary excluded", "StartDate", "<01/12/2025", false},
		{"qualified reference", "Visits::StartDate", ">=01/10/2025", true},
		{"exact match", "Status", "open", true},
		{"exact miss", "Status", "closed", false},
		{"absent field", "Missing", ">=01/10/2025", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesCondition(rec, tt.field, tt.cond); got != tt.want {
				t.Fatalf("matchesCondition(%q, %q) = %v, want %v", tt.field, tt.cond, got, tt.want)
			}
		})
	}
}

func TestMatchesQueryConditionsAndTogether(t *testing.T) {
	rec := model.HostRecord{FieldData: map[string]any{
		"StartDate": "01/12/2025",
		"EndDate":   "01/12/2025",
	}}

	hit := []map[string]string{{
		"StartDate": ">=01/10/2025",
		"EndDate":   "<01/15/2025",
	}}
	if !matchesQuery(rec, hit) {
		t.Fatal("record inside both bounds should match")
	}

	miss := []map[string]string{{
		"StartDate": ">=01/10/2025",
		"EndDate":   "<01/11/2025",
	}}
	if matchesQuery(rec, miss) {
		t.Fatal("one failed condition must fail the group")
	}

	if !matchesQuery(rec, nil) {
		t.Fatal("empty query matches everything")
	}
}
