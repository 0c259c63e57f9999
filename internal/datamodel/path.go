package datamodel

import (
	"strconv"
	"strings"
)

const (
	instanceMarker = "{i}"
	wildcard       = "*"
)

// IsObjectPath reports whether p names an object (partial path) rather than
// a parameter.
func IsObjectPath(p string) bool {
	return strings.HasSuffix(p, ".")
}

// IsCommandPath reports whether p names a command such as "Device.Reboot()".
func IsCommandPath(p string) bool {
	return strings.HasSuffix(p, "()")
}

// HasWildcard reports whether any instance position of p is "*".
func HasWildcard(p string) bool {
	for _, seg := range segments(p) {
		if seg == wildcard {
			return true
		}
	}
	return false
}

// SchemaForm replaces instance numbers and wildcards with "{i}" so that an
// instantiated path can be looked up in the supported data model.
func SchemaForm(p string) string {
	segs := segments(p)
	for i, seg := range segs {
		if seg == wildcard || isInstance(seg) {
			segs[i] = instanceMarker
		}
	}
	out := strings.Join(segs, ".")
	if IsObjectPath(p) {
		out += "."
	}
	return out
}

// Match reports whether path is addressed by pattern. An object pattern
// (trailing dot) addresses everything below it; "*" matches any instance.
func Match(pattern, path string) bool {
	ps := segments(pattern)
	ks := segments(path)
	if IsObjectPath(pattern) {
		if len(ks) < len(ps) {
			return false
		}
		if len(ks) == len(ps) && !IsObjectPath(path) {
			return false
		}
	} else if len(ks) != len(ps) || IsObjectPath(path) {
		return false
	}
	for i, seg := range ps {
		if seg == wildcard && isInstance(ks[i]) {
			continue
		}
		if seg != ks[i] {
			return false
		}
	}
	return true
}

// Parent returns the object path that contains p.
func Parent(p string) string {
	trimmed := strings.TrimSuffix(p, ".")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

// Relative strips objPath from the front of p.
func Relative(objPath, p string) string {
	return strings.TrimPrefix(p, objPath)
}

func segments(p string) []string {
	p = strings.TrimSuffix(p, ".")
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

func isInstance(seg string) bool {
	if seg == "" {
		return false
	}
	n, err := strconv.Atoi(seg)
	return err == nil && n > 0
}

func hidden(p string) bool {
	segs := segments(p)
	return len(segs) > 0 && strings.HasPrefix(segs[len(segs)-1], "__")
}

// lessPath orders paths segment by segment, numerically for instances.
func lessPath(a, b string) bool {
	as, bs := segments(a), segments(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return an < bn
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}
