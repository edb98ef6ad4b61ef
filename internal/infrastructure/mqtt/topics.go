package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxTopicLength is the MQTT limit on encoded topic length.
const maxTopicLength = 65535

// ValidateTopic checks a concrete topic name used for publishing.
//
// A topic must be non-empty valid UTF-8 of at most 65535 bytes and may not
// contain the wildcard characters + or #, or the NUL character.
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in topic name %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter.
//
// Rules:
//   - + must occupy an entire level: "a/+/c" is valid, "a/b+/c" is not
//   - # must occupy the last level: "a/#" is valid, "a/#/c" is not
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: # must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

func validateCommon(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(s) > maxTopicLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidTopic, len(s), maxTopicLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidTopic)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidTopic)
	}
	return nil
}

// Match reports whether topic matches filter using MQTT wildcard rules.
//
// Topics starting with $ (broker system topics) are not matched by a
// filter whose first level is a wildcard.
//
// Examples:
//
//	Match("sensors/+/temp", "sensors/42/temp") // true
//	Match("sensors/#", "sensors")              // true
//	Match("#", "$SYS/uptime")                  // false
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
