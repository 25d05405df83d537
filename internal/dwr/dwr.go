// Package dwr talks to the gradebook's DWR (Direct Web Remoting) endpoints,
// which answer with a small subset of javascript instead of JSON.
package dwr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const (
	identifier = `[a-zA-Z_][a-zA-Z0-9_]*`
	// a javascript expression up to the next statement end, string literals may contain ';'
	expression = `(?:[^;'"]|'(?:[^\\']|\\.)*'|"(?:[^\\"]|\\.)*")*`
)

var replyPattern = regexp.MustCompile(strings.Join([]string{
	`(?P<throw>throw ` + expression + `;)`,
	`(?P<comment>//.*)`,
	`(?P<var>var (` + identifier + `)=(` + expression + `);)`,
	`(?P<setattr>(` + identifier + `)\.(` + identifier + `)=(` + expression + `);)`,
	`(?P<call>dwr\.engine\._remoteHandleCallback\('(\d+)','(\d+)',\[((?:` + identifier + `(?:,` + identifier + `)*)?)\]\);)`,
}, "|"))

// SyntaxError is returned when part of a reply is not one of the statements
// ParseReply understands.
type SyntaxError struct {
	Offset  int
	Residue string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("dwr: did not parse %q at offset %d", e.Residue, e.Offset)
}

// Reply maps each call id of a batch to the values passed to its callback.
type Reply map[int][]any

// ParseReply interprets a DWR plaincall reply. Every statement must be a throw
// guard, a comment, a variable declaration, an attribute assignment or a
// callback invocation, anything else is a SyntaxError.
func ParseReply(code string) (Reply, error) {
	names := replyPattern.SubexpNames()
	locals := map[string]any{}
	reply := Reply{}

	i := 0
	for _, match := range replyPattern.FindAllStringSubmatchIndex(code, -1) {
		if skipped := strings.TrimSpace(code[i:match[0]]); skipped != "" {
			return nil, &SyntaxError{Offset: i, Residue: skipped}
		}
		i = match[1]

		group := func(n int) string {
			if match[2*n] < 0 {
				return ""
			}
			return code[match[2*n]:match[2*n+1]]
		}

		kind := ""
		first := 0
		for n := 1; n < len(names); n++ {
			if names[n] != "" && match[2*n] >= 0 {
				kind = names[n]
				first = n
				break
			}
		}

		switch kind {
		case "throw", "comment":
		case "var":
			var value any
			err := json.Unmarshal([]byte(group(first+2)), &value)
			if err != nil {
				return nil, fmt.Errorf("dwr: var %s: %w", group(first+1), err)
			}
			locals[group(first+1)] = value
		case "setattr":
			name := group(first + 1)
			object, ok := locals[name].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("dwr: %s is not an object", name)
			}
			var value any
			err := json.Unmarshal([]byte(group(first+3)), &value)
			if err != nil {
				return nil, fmt.Errorf("dwr: %s.%s: %w", name, group(first+2), err)
			}
			object[group(first+2)] = value
		case "call":
			callID, err := strconv.Atoi(group(first + 2))
			if err != nil {
				return nil, err
			}
			data := []any{}
			if args := group(first + 3); args != "" {
				for _, name := range strings.Split(args, ",") {
					value, ok := locals[name]
					if !ok {
						return nil, fmt.Errorf("dwr: undefined variable %s", name)
					}
					data = append(data, value)
				}
			}
			reply[callID] = data
		}
	}

	if skipped := strings.TrimSpace(code[i:]); skipped != "" {
		return nil, &SyntaxError{Offset: i, Residue: skipped}
	}
	return reply, nil
}
