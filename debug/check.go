package debug

import (
	"crypto/sha256"
	"encoding/hex"
)

// CheckSum returns the hex SHA-256 of data, for logging and comparing
// emitted images.
func CheckSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
