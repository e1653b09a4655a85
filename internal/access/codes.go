package access

import (
	"crypto/rand"
	"math/big"
)

// codeAlphabet leaves out I, O, 0 and 1 so codes survive being typed by hand.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength       = 10
	maxIssueAttempts = 10
)

// generateCode returns a cryptographically random code of the given length.
func generateCode(length int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}
