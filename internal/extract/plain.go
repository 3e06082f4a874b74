package extract

import (
	"strings"
	"unicode/utf8"
)

// extractPlain returns content as a string. Bytes that are not valid UTF-8
// become the replacement character rather than failing the whole file.
func extractPlain(content []byte) (string, error) {
	s := string(content)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return s, nil
}
