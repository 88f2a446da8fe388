package oracle

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ppiankov/factorcanon/internal/labels"
)

type rawAssignment struct {
	Label string `json:"label"`
	Group string `json:"group"`
}

var (
	groupRefPattern  = regexp.MustCompile(`(?i)^group\s*#?\s*(\d+)\s*[:.)\-]?\s*(.*)$`)
	newGroupPattern  = regexp.MustCompile(`(?i)^new\s*:\s*(.+)$`)
	groupLinePattern = regexp.MustCompile(`(?i)^\s*group\s*#?\s*(\d+)\s+([^:]*?)\s*:\s*(.+)$`)
	fencePattern     = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
)

// parseReply extracts assignments for the requested labels from a raw
// reply. It returns a *ParseError when nothing usable was found or when
// requested labels are missing.
func parseReply(text string, req Request) (map[string]Assignment, error) {
	body := unwrap(text)

	raws, ok := decodeJSON(body)
	if !ok {
		raws = decodeGroupLines(body)
	}
	if len(raws) == 0 {
		return nil, &ParseError{Reason: "no assignments found", Raw: excerpt(text)}
	}

	requested := make(map[string]labels.RawLabel, len(req.Labels))
	for _, l := range req.Labels {
		requested[l.Key] = l
	}

	out := make(map[string]Assignment, len(req.Labels))
	for _, r := range raws {
		key := labels.Key(r.Label)
		l, ok := requested[key]
		if !ok {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		group, isNew, ok := resolveGroup(r.Group, req.Groups)
		if !ok {
			continue
		}
		out[key] = Assignment{Label: l.Display, Key: key, Group: group, New: isNew}
	}

	if len(out) == 0 {
		return nil, &ParseError{Reason: "reply named none of the requested labels", Raw: excerpt(text)}
	}

	var missing []string
	for _, l := range req.Labels {
		if _, ok := out[l.Key]; !ok {
			missing = append(missing, l.Display)
		}
	}
	if len(missing) > 0 {
		return out, &ParseError{
			Reason:  strings.Join(missing, ", "),
			Missing: missing,
			Raw:     excerpt(text),
		}
	}
	return out, nil
}

// unwrap strips assignment markers and markdown fences
func unwrap(text string) string {
	if start := strings.Index(text, assignBegin); start >= 0 {
		rest := text[start+len(assignBegin):]
		if end := strings.Index(rest, assignEnd); end >= 0 {
			rest = rest[:end]
		}
		text = rest
	}
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	return strings.TrimSpace(text)
}

func decodeJSON(body string) ([]rawAssignment, bool) {
	if strings.HasPrefix(body, "{") {
		var wrapped struct {
			Assignments []rawAssignment `json:"assignments"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Assignments) > 0 {
			return wrapped.Assignments, true
		}
	}

	// The decoder stops after one value, so prose around the array is ignored
	for off := 0; off < len(body); {
		i := strings.IndexByte(body[off:], '[')
		if i < 0 {
			break
		}
		off += i
		var raws []rawAssignment
		if err := json.NewDecoder(strings.NewReader(body[off:])).Decode(&raws); err == nil && len(raws) > 0 {
			return raws, true
		}
		off++
	}
	return nil, false
}

// decodeGroupLines reads the grouped listing form
//
//	Group 1 GreenSpace: park, green area
func decodeGroupLines(body string) []rawAssignment {
	var out []rawAssignment
	for _, line := range strings.Split(body, "\n") {
		m := groupLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		group := "Group " + m[1]
		if name := strings.TrimSpace(m[2]); name != "" {
			group = name
		}
		for _, member := range strings.Split(m[3], ",") {
			member = strings.Trim(strings.TrimSpace(member), `"'`)
			if member != "" {
				out = append(out, rawAssignment{Label: member, Group: group})
			}
		}
	}
	return out
}

// resolveGroup maps a reply's group reference onto a display name.
// "Group N" indexes groups; "NEW: Name" and bare names are matched
// against existing groups by normalized key before being treated as new.
func resolveGroup(ref string, groups []GroupHint) (string, bool, bool) {
	ref = labels.Display(strings.Trim(ref, `"'`))
	if ref == "" {
		return "", false, false
	}

	if m := groupRefPattern.FindStringSubmatch(ref); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(groups) {
			return groups[n-1].Name, false, true
		}
		// Out of range with a trailing name, e.g. "Group 7 Lighting"
		if name := strings.TrimSpace(m[2]); name != "" {
			ref = name
		} else {
			return "", false, false
		}
	}

	if m := newGroupPattern.FindStringSubmatch(ref); m != nil {
		ref = labels.Display(m[1])
	}

	key := labels.GroupKey(ref)
	for _, g := range groups {
		if labels.GroupKey(g.Name) == key {
			return g.Name, false, true
		}
	}
	return ref, true, true
}
