package mqtt

import (
	"fmt"
	"strings"
)

// itemIDVar is the placeholder topic level substituted with an item's id.
const itemIDVar = "%ItemId%"

// Pattern is an MQTT topic template carrying exactly one %ItemId% level,
// e.g. "home/%ItemId%/state". It converts between a concrete topic and
// the item id it names, and produces the "+"-wildcard subscription form.
type Pattern struct {
	raw    string
	prefix string
	suffix string
}

// ParsePattern validates and compiles a topic pattern. The %ItemId%
// variable must occupy an entire topic level: it must be preceded and
// followed by either a "/" or a string boundary. MQTT wildcards ("+",
// "#") are never allowed in a pattern since the variable already
// supplies the matching behaviour.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, nil
	}
	if strings.ContainsAny(s, "+#") {
		return Pattern{}, fmt.Errorf("mqtt topic pattern %q must not contain + or #", s)
	}
	idx := strings.Index(s, itemIDVar)
	if idx < 0 {
		return Pattern{}, fmt.Errorf("mqtt topic pattern %q must contain %s", s, itemIDVar)
	}
	if idx > 0 && s[idx-1] != '/' {
		return Pattern{}, fmt.Errorf("mqtt topic pattern %q: %s must occupy a full topic level", s, itemIDVar)
	}
	after := idx + len(itemIDVar)
	if after < len(s) && s[after] != '/' {
		return Pattern{}, fmt.Errorf("mqtt topic pattern %q: %s must occupy a full topic level", s, itemIDVar)
	}
	return Pattern{raw: s, prefix: s[:idx], suffix: s[after:]}, nil
}

// IsSet reports whether the pattern was configured at all.
func (p Pattern) IsSet() bool { return p.raw != "" }

// PubTopic substitutes itemID for %ItemId%, producing a concrete topic
// to publish to.
func (p Pattern) PubTopic(itemID string) string {
	return p.prefix + itemID + p.suffix
}

// SubTopic substitutes a "+" wildcard for %ItemId%, producing the topic
// filter to subscribe with so every item's topic is observed.
func (p Pattern) SubTopic() string {
	return p.prefix + "+" + p.suffix
}

// ItemID extracts the item id from an observed topic, reporting false
// if topic does not match this pattern's prefix/suffix shape.
func (p Pattern) ItemID(topic string) (string, bool) {
	if !strings.HasPrefix(topic, p.prefix) || !strings.HasSuffix(topic, p.suffix) {
		return "", false
	}
	id := topic[len(p.prefix) : len(topic)-len(p.suffix)]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
