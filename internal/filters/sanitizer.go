package filters

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

// Sanitizer rejects empty or control-character-only content and a class of
// zero-width/homoglyph obfuscation where NFC normalization balloons the
// string.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer { return &Sanitizer{} }

func (*Sanitizer) Name() string { return "sanitizer" }

func (*Sanitizer) Filter(msg *bus.InboundMessage, _ Context) Result {
	if strings.TrimSpace(msg.Content) == "" {
		return Reject("empty content")
	}

	stripped := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, msg.Content)

	if strings.TrimSpace(stripped) == "" {
		return Reject("content is only control characters")
	}

	if len(norm.NFC.String(stripped)) > 2*len(stripped) {
		return Reject("normalization anomaly")
	}

	msg.Content = stripped
	return Pass()
}
