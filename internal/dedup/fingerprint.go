package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultPrefixLength is how many runes of normalized content feed the
// fingerprint.
const DefaultPrefixLength = 100

// Normalize canonicalizes content so retransmissions that differ only
// in Unicode composition, letter case or whitespace collide: NFC, case
// folding, whitespace runs collapsed to one space, then truncated to
// prefixLen runes.
func Normalize(content string, prefixLen int) string {
	s := norm.NFC.String(content)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	if prefixLen > 0 {
		runes := []rune(s)
		if len(runes) > prefixLen {
			s = string(runes[:prefixLen])
		}
	}
	return s
}

// Fingerprint derives the content key of m. Fields are separated by a
// unit separator so ("ab","c") and ("a","bc") differ.
func Fingerprint(m Message, prefixLen int) string {
	h := sha256.New()
	h.Write([]byte(m.SenderID))
	h.Write([]byte{0x1f})
	h.Write([]byte(m.ConversationID))
	h.Write([]byte{0x1f})
	h.Write([]byte(Normalize(m.Content, prefixLen)))
	return hex.EncodeToString(h.Sum(nil))
}
