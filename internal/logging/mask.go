package logging

import (
	"regexp"
	"strings"
)

var nonDigits = regexp.MustCompile(`\D`)

// maskPII masks sensitive information in log fields
func maskPII(fields map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(fields))

	for k, v := range fields {
		key := strings.ToLower(k)

		switch {
		case strings.Contains(key, "signature"):
			if s, ok := v.(string); ok {
				masked[k] = TruncateSignature(s)
			} else {
				masked[k] = "[REDACTED]"
			}
		case strings.Contains(key, "card"):
			if s, ok := v.(string); ok {
				masked[k] = maskCardNumber(s)
			} else {
				masked[k] = "[REDACTED]"
			}
		case strings.Contains(key, "cvv"),
			key == "pin" || strings.HasSuffix(key, "_pin"),
			strings.Contains(key, "password"),
			strings.Contains(key, "secret"),
			strings.Contains(key, "token") && !strings.Contains(key, "idempotency"):
			if s, ok := v.(string); ok {
				masked[k] = maskString(s)
			} else {
				masked[k] = "[REDACTED]"
			}
		case key == "email" || strings.HasSuffix(key, "_email"):
			if email, ok := v.(string); ok {
				masked[k] = maskEmail(email)
			} else {
				masked[k] = v
			}
		default:
			masked[k] = v
		}
	}

	return masked
}

// truncateSignatures applies signature truncation even with masking off.
func truncateSignatures(fields map[string]interface{}) map[string]interface{} {
	for k, v := range fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(k), "signature") {
			fields[k] = TruncateSignature(s)
		}
	}
	return fields
}

// TruncateSignature keeps the first 8 characters of a signature.
func TruncateSignature(sig string) string {
	if len(sig) <= 8 {
		return sig
	}
	return sig[:8] + "..."
}

// maskString masks a string value, showing only first and last 4 characters
func maskString(s string) string {
	if len(s) <= 8 {
		return "[REDACTED]"
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// maskEmail partially masks an email address
func maskEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[REDACTED]"
	}

	username := parts[0]
	domain := parts[1]

	var maskedUsername string
	if len(username) <= 2 {
		maskedUsername = strings.Repeat("*", len(username))
	} else {
		maskedUsername = string(username[0]) + strings.Repeat("*", len(username)-2) + string(username[len(username)-1])
	}

	return maskedUsername + "@" + domain
}

// maskCardNumber shows the last 4 digits only
func maskCardNumber(cardNumber string) string {
	digits := nonDigits.ReplaceAllString(cardNumber, "")

	if len(digits) < 4 {
		return "[REDACTED]"
	}

	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}
