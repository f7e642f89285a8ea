package bridge

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	clientPrefix = "client:"
	sipPrefix    = "sip:"
)

// NewBridgeName returns conf_<unix-ms>_<random>. The random part is a full
// UUID so names stay unique across concurrent placements.
func NewBridgeName(now time.Time) string {
	return fmt.Sprintf("conf_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// NormalizeNumber turns user input into an E.164-like destination.
//
// Values already carrying "+", "client:" or "sip:" pass through. Otherwise
// non-digits are stripped; a bare 10-digit number gets the default country code.
func NormalizeNumber(raw, countryCode string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: destination is required", ErrInvalidArgument)
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, clientPrefix) || strings.HasPrefix(s, sipPrefix) {
		return s, nil
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return "", fmt.Errorf("%w: destination %q has no digits", ErrInvalidArgument, raw)
	}

	if len(digits) == 10 {
		return "+" + strings.TrimPrefix(countryCode, "+") + digits, nil
	}
	// 11 digits led by the country code, or any other length, are taken as-is.
	return "+" + digits, nil
}
