// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
)

// parse decodes an ini-shaped config file into lower-cased section/key
// maps. Subsections (`[section "name"]`) are folded into the section name
// as "section.name", matching how git addresses them on the command line;
// the core never reads subsectioned keys, so this is just enough fidelity
// to round-trip an unrecognized one back out via Get.
func parse(data []byte) (sections, error) {
	out := sections{}
	section := ""
	for lineNo, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			name, err := parseSectionHeader(line)
			if err != nil {
				return nil, gerr.Wrap(gerr.Malformed, "config.parse", err, "line %d", lineNo+1)
			}
			section = name
			if _, ok := out[section]; !ok {
				out[section] = map[string]string{}
			}
			continue
		}
		key, val, err := parseKeyValue(line)
		if err != nil {
			return nil, gerr.Wrap(gerr.Malformed, "config.parse", err, "line %d", lineNo+1)
		}
		if section == "" {
			return nil, gerr.New(gerr.Malformed, "config.parse", "line %d: key outside any section", lineNo+1)
		}
		if _, ok := out[section]; !ok {
			out[section] = map[string]string{}
		}
		out[section][key] = val
	}
	return out, nil
}

func stripComment(line string) string {
	inQuote := false
	for i, c := range line {
		switch c {
		case '"':
			inQuote = !inQuote
		case '#', ';':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

func parseSectionHeader(line string) (string, error) {
	if !strings.HasSuffix(line, "]") {
		return "", gerr.New(gerr.Malformed, "config.parseSectionHeader", "unterminated section header %q", line)
	}
	body := strings.TrimSpace(line[1 : len(line)-1])
	name, rest, hasSub := strings.Cut(body, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if !hasSub {
		if name == "" {
			return "", gerr.New(gerr.Malformed, "config.parseSectionHeader", "empty section name")
		}
		return name, nil
	}
	sub := strings.Trim(strings.TrimSpace(rest), `"`)
	return name + "." + sub, nil
}

func parseKeyValue(line string) (key, val string, err error) {
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return strings.ToLower(strings.TrimSpace(line)), "true", nil
	}
	key = strings.ToLower(strings.TrimSpace(k))
	val = strings.Trim(strings.TrimSpace(v), `"`)
	if key == "" {
		return "", "", gerr.New(gerr.Malformed, "config.parseKeyValue", "empty key in %q", line)
	}
	return key, val, nil
}
