// Package cryptoutil holds small helpers shared by the operator key
// validation and the snapshot store.
package cryptoutil

// IsHexString reports whether s contains only hexadecimal digits
// (0-9, a-f, A-F). The empty string passes; callers enforce length where
// a key size matters.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
