package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"default", "main", false},
		{"digits", "team42", false},
		{"hyphen inside", "work-chat", false},
		{"underscore", "_scratch", false},
		{"max length", strings.Repeat("s", 64), false},
		{"empty", "", true},
		{"leading hyphen", "-main", true},
		{"uppercase", "Work", true},
		{"space", "work chat", true},
		{"dot", "work.chat", true},
		{"parent dir", "..", true},
		{"too long", strings.Repeat("s", 65), true},
		{"slash", "work/chat", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", tt.input, err)
			}
		})
	}
}
