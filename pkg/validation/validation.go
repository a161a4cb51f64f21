// Package validation checks user-supplied identifiers at the API and CLI
// edges.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"intercom/pkg/protocol"
)

var (
	// ClientIDRegex validates API client identifiers.
	ClientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateClientID validates the client identifier embedded in tokens.
func ValidateClientID(id string) error {
	if id == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("client_id is too long (max 64 characters)")
	}
	if !ClientIDRegex.MatchString(id) {
		return fmt.Errorf("client_id may only contain letters, digits, '.', '_' and '-'")
	}
	return nil
}

// ValidateDeviceName checks a name that travels as a START caller payload
// and as a contacts entry.
func ValidateDeviceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("device name is required")
	}
	if len(name) > protocol.MaxCallerNameSize {
		return fmt.Errorf("device name is too long (max %d bytes)", protocol.MaxCallerNameSize)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("device name must be valid UTF-8")
	}
	for _, r := range name {
		if r == ',' {
			return fmt.Errorf("device name must not contain ','")
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("device name must not contain control characters")
		}
	}
	return nil
}

// ValidateContactsCSV validates every non-empty entry of a contacts list.
func ValidateContactsCSV(csv string) error {
	if len(csv) > 4096 {
		return fmt.Errorf("contacts list is too long (max 4096 bytes)")
	}
	for _, part := range strings.Split(csv, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if err := ValidateDeviceName(name); err != nil {
			return fmt.Errorf("contact %q: %w", name, err)
		}
	}
	return nil
}

// ValidateAddress checks a host:port pair. An empty host is allowed for
// listen addresses.
func ValidateAddress(addr string, allowEmptyHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" && !allowEmptyHost {
		return fmt.Errorf("address %q has no host", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("address %q has an invalid port", addr)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
