package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

// TestTagsUnmarshal checks that both legacy shapes decode to the same list.
func TestTagsUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Tags
	}{
		{"array", `["glow", "skincare"]`, Tags{"glow", "skincare"}},
		{"csv", `"glow, skincare"`, Tags{"glow", "skincare"}},
		{"csv with empties", `"glow,, ,skincare,"`, Tags{"glow", "skincare"}},
		{"array with empties", `["", "glow", "  "]`, Tags{"glow"}},
		{"duplicates kept", `["a","a"]`, Tags{"a", "a"}},
		{"null", `null`, Tags{}},
		{"empty string", `""`, Tags{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Tags
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unmarshal() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

// TestTagsUnmarshalRejectsNumbers checks that non-string shapes are refused.
func TestTagsUnmarshalRejectsNumbers(t *testing.T) {
	var got Tags
	if err := json.Unmarshal([]byte(`[1, 2]`), &got); err == nil {
		t.Error("Unmarshal() expected error for numeric elements")
	}
	if err := json.Unmarshal([]byte(`42`), &got); err == nil {
		t.Error("Unmarshal() expected error for numeric value")
	}
}

// TestTagsMarshalNil checks that a nil list is emitted as an empty array.
func TestTagsMarshalNil(t *testing.T) {
	var tags Tags
	b, err := json.Marshal(tags)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(b) != "[]" {
		t.Errorf("Marshal() = %s, want []", b)
	}
}

// TestStagingSourcePath checks the legacy fallback for the video path.
func TestStagingSourcePath(t *testing.T) {
	s := StagingVideo{LegacyFilePath: "legacy/a.mp4"}
	if got := s.SourcePath(); got != "legacy/a.mp4" {
		t.Errorf("SourcePath() = %q, want legacy path", got)
	}
	s.StoragePath = "staging/a.mp4"
	if got := s.SourcePath(); got != "staging/a.mp4" {
		t.Errorf("SourcePath() = %q, want storage path", got)
	}
}
