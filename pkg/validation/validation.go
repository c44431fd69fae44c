package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 128
	maxPasswordLength   = 256
)

var (
	// IdentifierRegex matches project and device identifiers.
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateProjectID validates a project identifier
func ValidateProjectID(id string) error {
	return validateIdentifier(id, "projectid")
}

// ValidateDeviceID validates a device identifier
func ValidateDeviceID(id string) error {
	return validateIdentifier(id, "device_id")
}

func validateIdentifier(id, field string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only letters, numbers, _, ., :, - allowed)", field)
	}
	return nil
}

// ValidatePassword validates a device password. Devices may log in with a
// token instead, so only the bounds are checked.
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("password is too long (max %d characters)", maxPasswordLength)
	}
	if !utf8.ValidString(password) {
		return fmt.Errorf("password is not valid UTF-8")
	}
	return nil
}

// ValidateOneOf checks that value is one of allowed
func ValidateOneOf(value, field string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}
