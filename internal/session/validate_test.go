package session

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"worker-42", false},
		{"client_ama", false},
		{"7", false},
		{strings.Repeat("k", 64), false},
		{"", true},
		{strings.Repeat("k", 65), true},
		{"-session", true},
		{"_hidden", true},
		{"Main", true},
		{"two words", true},
		{"a.b", true},
		{"../escape", true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}
