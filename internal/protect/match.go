package protect

import (
	"path"
	"strings"
)

// matchGlobPattern matches a slash-separated path against a glob where
// "**" spans any number of segments and other segments use path.Match.
func matchGlobPattern(p, pattern string) bool {
	return matchParts(strings.Split(p, "/"), strings.Split(pattern, "/"))
}

func matchParts(segs, pattern []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		rest := pattern[1:]
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(segs); i++ {
			if matchParts(segs[i:], rest) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchParts(segs[1:], pattern[1:])
}
