package bus

import "strings"

// subjectMatches reports whether subject matches pattern under NATS
// wildcard rules: "*" matches exactly one token, ">" matches one or
// more trailing tokens. Used to route publishes to declared durable
// subject sets; the broker applies the same rules server-side.
func subjectMatches(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// subjectsOverlap reports whether two patterns can both match some
// subject. Streams within one broker domain must not overlap, so
// declarations are checked pairwise before creation.
func subjectsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	at := strings.Split(a, ".")
	bt := strings.Split(b, ".")

	for i := 0; i < len(at) && i < len(bt); i++ {
		if at[i] == ">" || bt[i] == ">" {
			return true
		}
		if at[i] == "*" || bt[i] == "*" {
			continue
		}
		if at[i] != bt[i] {
			return false
		}
	}
	return len(at) == len(bt)
}

// validSubjectToken reports whether tok can be used as a literal
// subject token (no spaces, no wildcards, no separators).
func validSubjectToken(tok string) bool {
	if tok == "" {
		return false
	}
	return !strings.ContainsAny(tok, " \t.*>")
}
