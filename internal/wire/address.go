package wire

import (
	"regexp"
	"strconv"
)

// Bus-addressed controllers put the numeric id somewhere inside a free-text
// device name, each vendor with its own convention. Extraction is one
// ordered rule list; the first matching rule wins.
type extractRule struct {
	name string
	re   *regexp.Regexp
}

var busIDRules = []extractRule{
	// "SPARK MAX [5]"
	{"bracketed", regexp.MustCompile(`\[(\d+)\]`)},
	// "Talon FX - 1 (v6) Sim State"
	{"dashed", regexp.MustCompile(`-\s*(\d+)\b`)},
	// "Device 5"
	{"trailing", regexp.MustCompile(`(\d+)\s*$`)},
}

// ExtractBusID pulls the numeric bus id out of a free-text device
// identifier. Returns false when no rule matches.
func ExtractBusID(device string) (int, bool) {
	for _, rule := range busIDRules {
		m := rule.re.FindStringSubmatch(device)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return id, true
	}
	return 0, false
}
