package model

import (
	"encoding/json"
	"testing"
)

func TestHostRecordField(t *testing.T) {
	rec := HostRecord{FieldData: map[string]any{
		"Title":   "Visit",
		"Id":      float64(42),
		"Rate":    1.5,
		"AllDay":  true,
		"NoValue": nil,
		"Nested":  map[string]any{"x": 1},
	}}

	tests := []struct {
		name  string
		field string
		want  string
		ok    bool
	}{
		{"string", "Title", "Visit", true},
		{"integral number", "Id", "42", true},
		{"fractional number", "Rate", "1.5", true},
		{"bool", "AllDay", "1", true},
		{"null", "NoValue", "", false},
		{"absent", "Missing", "", false},
		{"non-scalar", "Nested", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := rec.Field(tt.field)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Field(%q) = %q, %v; want %q, %v", tt.field, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestHostRecordUnmarshal(t *testing.T) {
	blob := `{"fieldData":{"Id":"7","Title":"Visit"},"recordId":"120","modId":"3"}`
	var rec HostRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.RecordID != "120" || rec.ModID != "3" {
		t.Fatalf("envelope fields lost: %+v", rec)
	}
	if id, ok := rec.Field("Id"); !ok || id != "7" {
		t.Fatalf("fieldData lost: %+v", rec.FieldData)
	}
}
