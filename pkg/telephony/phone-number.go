package telephony

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	e164Pattern           = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	clientIdentityPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	digitsPattern         = regexp.MustCompile(`^\d+$`)
	formattingReplacer    = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "\t", "")
)

// SanitizeAddress strips formatting from a phone number and coerces bare
// North American numbers (10 digits, or 11 starting with 1) into E.164.
// Client addresses pass through.
// The result is not guaranteed to be valid; see NormalizeAddress.
func SanitizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if len(raw) >= len(ClientAddressPrefix) && strings.EqualFold(raw[:len(ClientAddressPrefix)], ClientAddressPrefix) {
		return ClientAddressPrefix + strings.TrimSpace(raw[len(ClientAddressPrefix):])
	}

	number := formattingReplacer.Replace(raw)
	if strings.HasPrefix(number, "00") {
		number = "+" + number[2:]
	}
	if strings.HasPrefix(number, "+") || !digitsPattern.MatchString(number) {
		return number
	}

	switch {
	case len(number) == 10:
		return "+1" + number
	case len(number) == 11 && number[0] == '1':
		return "+" + number
	}
	// left bare so NormalizeAddress rejects it
	return number
}

// NormalizeAddress sanitizes raw and rejects anything that is neither
// E.164 nor a client address.
func NormalizeAddress(raw string) (string, error) {
	address := SanitizeAddress(raw)
	if address == "" {
		return "", fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	if identity, ok := ClientIdentityFromAddress(address); ok {
		if !clientIdentityPattern.MatchString(identity) {
			return "", fmt.Errorf("%w: invalid client identity %q", ErrInvalidRequest, identity)
		}
		return address, nil
	}
	if !e164Pattern.MatchString(address) {
		return "", fmt.Errorf("%w: %q is not a valid E.164 number", ErrInvalidRequest, raw)
	}
	return address, nil
}

// IsClientAddress reports whether address targets a browser client.
func IsClientAddress(address string) bool {
	_, ok := ClientIdentityFromAddress(address)
	return ok
}
