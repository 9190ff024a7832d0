// Package keyvalue parses newline-separated KEY=value text such as
// `blkid --output export` and /etc/os-release.
package keyvalue

import (
	"bufio"
	"strings"
)

// Parse returns the KEY=value pairs found in s. Blank lines, comments and
// lines without '=' are skipped; surrounding quotes are removed from values.
// A repeated key keeps its last value.
func Parse(s string) map[string]string {
	res := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		res[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}

	return res
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return strings.Trim(v, `"`)
}
