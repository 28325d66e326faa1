package filters

import (
	"regexp"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

// PatternDetector rejects known jailbreak and guardrail-override phrasings.
type PatternDetector struct {
	patterns []*regexp.Regexp
}

var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bDAN\s+mode\b`),
	regexp.MustCompile(`(?i)\bdeveloper\s+mode\b`),
	regexp.MustCompile(`(?i)pretend\s+(you\s+are|to\s+be)\s+(an?\s+)?(unrestricted|unfiltered)`),
	regexp.MustCompile(`(?i)without\s+(any\s+)?(restrictions|limitations|guidelines)`),
	regexp.MustCompile(`(?i)bypass\s+(your\s+)?(safety|content|filter)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(rules|restrictions)`),
}

func NewPatternDetector() *PatternDetector {
	return &PatternDetector{patterns: jailbreakPatterns}
}

func (*PatternDetector) Name() string { return "pattern_detector" }

func (d *PatternDetector) Filter(msg *bus.InboundMessage, _ Context) Result {
	for _, p := range d.patterns {
		if p.MatchString(msg.Content) {
			return Reject("matched denied pattern " + p.String())
		}
	}
	return Pass()
}

// LengthEnforcer rejects content above a configured maximum length.
type LengthEnforcer struct {
	max int
}

func NewLengthEnforcer(max int) *LengthEnforcer { return &LengthEnforcer{max: max} }

func (*LengthEnforcer) Name() string { return "length_enforcer" }

func (e *LengthEnforcer) Filter(msg *bus.InboundMessage, _ Context) Result {
	if e.max > 0 && len([]rune(msg.Content)) > e.max {
		return Reject("content exceeds maximum length")
	}
	return Pass()
}

// InstructionDetector rejects attempts to override prior instructions or
// reset conversation context.
type InstructionDetector struct {
	patterns []*regexp.Regexp
}

var instructionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|context)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions|training|rules)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(you|above|before)`),
	regexp.MustCompile(`(?i)(reset|wipe|clear)\s+(your\s+)?(context|memory|instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+no\s+longer\s+bound\s+by`),
	regexp.MustCompile(`(?i)new\s+system\s+prompt\s*:`),
	regexp.MustCompile(`(?i)\[\s*system\s*\]`),
}

func NewInstructionDetector() *InstructionDetector {
	return &InstructionDetector{patterns: instructionPatterns}
}

func (*InstructionDetector) Name() string { return "instruction_detector" }

func (d *InstructionDetector) Filter(msg *bus.InboundMessage, _ Context) Result {
	for _, p := range d.patterns {
		if p.MatchString(msg.Content) {
			return Reject("instruction override attempt")
		}
	}
	return Pass()
}

// EgressGuard rejects phrasings that direct data to an external destination.
type EgressGuard struct {
	patterns []*regexp.Regexp
}

var egressPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(send|post|upload|forward|exfiltrate)\s+(this|the|all|everything|it)?\s*(conversation|history|data|secrets?|credentials?|tokens?|keys?)\s+to\s+`),
	regexp.MustCompile(`(?i)(email|dm|message)\s+(me\s+)?(the\s+)?(system\s+prompt|api\s+key|credentials|secrets)`),
	regexp.MustCompile(`(?i)curl\s+.*(-d|--data).*https?://`),
	regexp.MustCompile(`(?i)(leak|reveal|print|show)\s+(your\s+)?(system\s+prompt|internal\s+(config|state)|credentials)`),
}

func NewEgressGuard() *EgressGuard {
	return &EgressGuard{patterns: egressPatterns}
}

func (*EgressGuard) Name() string { return "egress_guard" }

func (g *EgressGuard) Filter(msg *bus.InboundMessage, _ Context) Result {
	for _, p := range g.patterns {
		if p.MatchString(msg.Content) {
			return Reject("data egress attempt")
		}
	}
	return Pass()
}
