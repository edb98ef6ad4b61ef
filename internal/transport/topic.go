package transport

import (
	"fmt"
	"regexp"
	"strings"
)

// TopicTemplate is a topic string with named placeholders.
//
// Syntax:
//   - $name or ${name}: placeholder; name is letters, digits, '_' or '-'
//   - $$: a literal '$' (so "$$SYS/broker" is the topic "$SYS/broker")
//   - '$' followed by anything else: a literal '$'
//
// MQTT wildcards '+' and '#' are ordinary characters here. They pass
// through Resolve untouched and keep their broker meaning in Filter.
//
// A TopicTemplate is immutable and safe for concurrent use.
type TopicTemplate struct {
	raw      string
	segments []segment
	names    []string

	// literal is the resolved topic when there are no placeholders.
	literal string

	extract     *regexp.Regexp
	extractKeys []string
}

type segment struct {
	text string // literal text, '$' already unescaped
	name string // placeholder name; empty for literal segments
}

// ParseTopicTemplate parses s.
//
// Returns an error for an empty template, an unterminated "${" or an
// empty or invalid name inside braces.
func ParseTopicTemplate(s string) (*TopicTemplate, error) {
	if s == "" {
		return nil, fmt.Errorf("topic template is empty")
	}

	t := &TopicTemplate{raw: s}
	var lit strings.Builder
	seen := make(map[string]bool)

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{text: lit.String()})
			lit.Reset()
		}
	}
	addName := func(name string) {
		flush()
		t.segments = append(t.segments, segment{name: name})
		if !seen[name] {
			seen[name] = true
			t.names = append(t.names, name)
		}
	}

	for i := 0; i < len(s); {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			lit.WriteByte(c)
			i++
			continue
		}

		next := s[i+1]
		switch {
		case next == '$':
			lit.WriteByte('$')
			i += 2

		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("topic template %q: unterminated ${ at offset %d", s, i)
			}
			name := s[i+2 : i+2+end]
			if name == "" || !isName(name) {
				return nil, fmt.Errorf("topic template %q: invalid placeholder name %q", s, name)
			}
			addName(name)
			i += end + 3

		case isNameByte(next):
			j := i + 1
			for j < len(s) && isNameByte(s[j]) {
				j++
			}
			addName(s[i+1 : j])
			i = j

		default:
			lit.WriteByte('$')
			i++
		}
	}
	flush()

	if len(t.names) == 0 {
		for _, seg := range t.segments {
			t.literal += seg.text
		}
	}
	t.buildExtractor()
	return t, nil
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isName(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isNameByte(s[i]) {
			return false
		}
	}
	return true
}

// String returns the template as written.
func (t *TopicTemplate) String() string {
	return t.raw
}

// Placeholders returns the distinct placeholder names in order of first use.
func (t *TopicTemplate) Placeholders() []string {
	return append([]string(nil), t.names...)
}

// SubstitutionRequired reports whether the template has any placeholder.
func (t *TopicTemplate) SubstitutionRequired() bool {
	return len(t.names) > 0
}

// HasWildcards reports whether the literal text contains '+' or '#'.
func (t *TopicTemplate) HasWildcards() bool {
	for _, seg := range t.segments {
		if seg.name == "" && strings.ContainsAny(seg.text, "+#") {
			return true
		}
	}
	return false
}

// Resolve substitutes every placeholder from attrs.
//
// It fails with *ResolutionError naming every missing placeholder, and
// every placeholder whose value contains '+', '#' or NUL. No partial topic
// is returned on failure.
func (t *TopicTemplate) Resolve(attrs map[string]string) (string, error) {
	if len(t.names) == 0 {
		return t.literal, nil
	}

	var missing, invalid []string
	for _, name := range t.names {
		v, ok := attrs[name]
		switch {
		case !ok:
			missing = append(missing, name)
		case strings.ContainsAny(v, "+#\x00"):
			invalid = append(invalid, name)
		}
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return "", &ResolutionError{Template: t.raw, Missing: missing, Invalid: invalid}
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.name != "" {
			b.WriteString(attrs[seg.name])
		} else {
			b.WriteString(seg.text)
		}
	}
	return b.String(), nil
}

// Filter returns the subscription filter for the template: every topic
// level containing a placeholder becomes '+'.
func (t *TopicTemplate) Filter() string {
	if len(t.names) == 0 {
		return t.literal
	}

	// Render with a marker byte that cannot appear in a valid topic, then
	// replace whole levels carrying it.
	const marker = "\x00"
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.name != "" {
			b.WriteString(marker)
		} else {
			b.WriteString(seg.text)
		}
	}

	levels := strings.Split(b.String(), "/")
	for i, level := range levels {
		if strings.Contains(level, marker) {
			levels[i] = "+"
		}
	}
	return strings.Join(levels, "/")
}

// Extract reverses substitution: it matches topic against the template and
// returns the placeholder values. Placeholder values never span levels.
// When a name appears more than once, all occurrences must agree.
func (t *TopicTemplate) Extract(topic string) (map[string]string, bool) {
	m := t.extract.FindStringSubmatch(topic)
	if m == nil {
		return nil, false
	}

	attrs := make(map[string]string, len(t.names))
	for i, key := range t.extractKeys {
		v := m[i+1]
		if prev, ok := attrs[key]; ok && prev != v {
			return nil, false
		}
		attrs[key] = v
	}
	return attrs, true
}

func (t *TopicTemplate) buildExtractor() {
	var b strings.Builder
	b.WriteString("^")
	for _, seg := range t.segments {
		if seg.name != "" {
			b.WriteString("([^/]*)")
			t.extractKeys = append(t.extractKeys, seg.name)
			continue
		}
		text := seg.text
		for len(text) > 0 {
			switch {
			case text == "/#":
				// "a/#" also matches the parent level "a".
				b.WriteString("(?:/.*)?")
				text = ""
			case text[0] == '#':
				b.WriteString(".*")
				text = text[1:]
			case text[0] == '+':
				b.WriteString("[^/]*")
				text = text[1:]
			default:
				n := strings.IndexAny(text, "+#/")
				if n == 0 {
					n = 1
				} else if n < 0 {
					n = len(text)
				}
				b.WriteString(regexp.QuoteMeta(text[:n]))
				text = text[n:]
			}
		}
	}
	b.WriteString("$")
	t.extract = regexp.MustCompile(b.String())
}
