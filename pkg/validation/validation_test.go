package validation

import (
	"strings"
	"testing"
)

func TestValidateDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "field-01", false},
		{"with dots and colons", "site.a:cam_2", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"space inside", "field 01", true},
		{"slash", "proj/field", true},
		{"too long", strings.Repeat("a", 129), true},
		{"max length", strings.Repeat("a", 128), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDeviceID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDeviceID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateProjectID_NamesField(t *testing.T) {
	err := ValidateProjectID("")
	if err == nil || !strings.Contains(err.Error(), "projectid") {
		t.Errorf("expected projectid error, got %v", err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "s3cret", false},
		{"short is fine", "x", false},
		{"empty", "", true},
		{"too long", strings.Repeat("p", 257), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateOneOf(t *testing.T) {
	if err := ValidateOneOf("remote", "role", "field", "remote"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := ValidateOneOf("root", "role", "field", "remote")
	if err == nil || !strings.Contains(err.Error(), "field, remote") {
		t.Errorf("expected error listing allowed values, got %v", err)
	}
}
