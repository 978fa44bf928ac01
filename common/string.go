package common

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// tagAlphabet leaves out 0/O and 1/I so printed codes are unambiguous
const tagAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const TagCodeLength = 8

// TagCode returns a random human-presentable tag identifier such as "AB12CD34"
func TagCode() string {
	var b strings.Builder
	b.Grow(TagCodeLength)
	max := big.NewInt(int64(len(tagAlphabet)))
	for i := 0; i < TagCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b.WriteByte(tagAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizeTagCode upper-cases and trims a code typed by a person
func NormalizeTagCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
