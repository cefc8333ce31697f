package bus

import "strings"

const (
	wildcardOne  = "*"
	wildcardTail = ">"
)

// ValidatePattern checks a subscription pattern
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == "" {
			return ErrInvalidPattern
		}
		if tok == wildcardTail && i != len(tokens)-1 {
			return ErrInvalidPattern
		}
	}
	return nil
}

// ValidateTopic checks a concrete publish topic
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	for _, tok := range strings.Split(topic, ".") {
		if tok == "" || tok == wildcardOne || tok == wildcardTail {
			return ErrInvalidTopic
		}
	}
	return nil
}

// Match reports whether topic matches pattern
func Match(pattern, topic string) bool {
	p := strings.Split(pattern, ".")
	t := strings.Split(topic, ".")

	for i, tok := range p {
		if tok == wildcardTail {
			return len(t) > i
		}
		if i >= len(t) {
			return false
		}
		if tok != wildcardOne && tok != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// TrimPrefix returns the remainder of topic after prefix and a dot
func TrimPrefix(topic, prefix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix+".") {
		return "", false
	}
	rest := topic[len(prefix)+1:]
	return rest, rest != ""
}
