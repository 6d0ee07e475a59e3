package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// AnonymizeEmail masks the local part, keeping its first and last character.
func AnonymizeEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***.***"
	}
	r := []rune(local)
	if len(r) <= 2 {
		return strings.Repeat("*", len(r)) + "@" + domain
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1]) + "@" + domain
}

// AnonymizeName keeps the initials of the first and last name.
func AnonymizeName(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "***"
	}
	masked := make([]string, len(parts))
	for i, p := range parts {
		r := []rune(p)
		if i == 0 || i == len(parts)-1 {
			masked[i] = string(r[0]) + strings.Repeat("*", len(r)-1)
			continue
		}
		masked[i] = strings.Repeat("*", len(r))
	}
	return strings.Join(masked, " ")
}

// HashData returns the hex SHA-256 of data followed by salt.
func HashData(data, salt string) string {
	sum := sha256.Sum256([]byte(data + salt))
	return hex.EncodeToString(sum[:])
}

// Pseudonymize returns a stable stand-in for data that is unique per user.
func Pseudonymize(data, userID string) string {
	return "pseudo_" + HashData(data, userID)[:16]
}
