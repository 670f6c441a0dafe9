// Package nodeset parses and folds compressed node lists such as
// "admin,cn[001-004,010]" as returned by the scheduler API.
package nodeset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxExpanded bounds the number of names a single expression may expand to.
const maxExpanded = 100000

// Set is an unordered set of node names. The zero value is empty and ready to use.
type Set struct {
	names map[string]struct{}
}

// New returns a set holding the given names.
func New(names ...string) Set {
	s := Set{}
	for _, name := range names {
		s.Add(name)
	}
	return s
}

// Parse expands a compressed node list. An empty string yields an empty set.
func Parse(expr string) (Set, error) {
	s := Set{}
	for _, element := range splitTopLevel(expr) {
		element = strings.TrimSpace(element)
		if element == "" {
			continue
		}
		names, err := expand(element)
		if err != nil {
			return Set{}, fmt.Errorf("parse node set %q: %w", expr, err)
		}
		if s.Len()+len(names) > maxExpanded {
			return Set{}, fmt.Errorf("parse node set %q: more than %d nodes", expr, maxExpanded)
		}
		for _, name := range names {
			s.Add(name)
		}
	}
	return s, nil
}

// ValidName reports whether name can be held by a Set and survive a
// String/Parse round trip.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, ",[] \t\r\n")
}

// Add inserts a name.
func (s *Set) Add(name string) {
	if name == "" {
		return
	}
	if s.names == nil {
		s.names = make(map[string]struct{})
	}
	s.names[name] = struct{}{}
}

// Contains reports whether name is in the set.
func (s Set) Contains(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Len returns the number of names.
func (s Set) Len() int {
	return len(s.names)
}

// Difference returns the names of s that are not in other.
func (s Set) Difference(other Set) Set {
	out := Set{}
	for name := range s.names {
		if !other.Contains(name) {
			out.Add(name)
		}
	}
	return out
}

// Names returns the names in lexical order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String folds the set back into compressed notation.
func (s Set) String() string {
	return fold(s.Names())
}

func splitTopLevel(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range expr {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

func expand(element string) ([]string, error) {
	open := strings.IndexByte(element, '[')
	if open < 0 {
		if strings.ContainsRune(element, ']') {
			return nil, fmt.Errorf("unbalanced bracket in %q", element)
		}
		return []string{element}, nil
	}
	closing := strings.IndexByte(element[open:], ']')
	if closing < 0 {
		return nil, fmt.Errorf("unbalanced bracket in %q", element)
	}
	closing += open

	prefix := element[:open]
	body := element[open+1 : closing]
	rest := element[closing+1:]

	suffixes, err := expand(rest)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, item := range strings.Split(body, ",") {
		values, err := expandRange(strings.TrimSpace(item))
		if err != nil {
			return nil, err
		}
		for _, value := range values {
			for _, suffix := range suffixes {
				names = append(names, prefix+value+suffix)
				if len(names) > maxExpanded {
					return nil, fmt.Errorf("more than %d nodes", maxExpanded)
				}
			}
		}
	}
	return names, nil
}

func expandRange(item string) ([]string, error) {
	if item == "" {
		return nil, fmt.Errorf("empty range")
	}
	low, high, isRange := strings.Cut(item, "-")
	if !isRange {
		high = low
	}
	start, err := parseDigits(low)
	if err != nil {
		return nil, err
	}
	end, err := parseDigits(high)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("invalid range %q", item)
	}
	if end-start >= maxExpanded {
		return nil, fmt.Errorf("range %q too large", item)
	}

	width := paddedWidth(low)
	values := make([]string, 0, end-start+1)
	for v := start; v <= end; v++ {
		values = append(values, formatPadded(v, width))
	}
	return values, nil
}

func parseDigits(raw string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty range bound")
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid range bound %q", raw)
		}
	}
	return strconv.Atoi(raw)
}

// paddedWidth returns the zero-padding width of digits, or 0 when unpadded.
func paddedWidth(digits string) int {
	if len(digits) > 1 && digits[0] == '0' {
		return len(digits)
	}
	return 0
}

func formatPadded(v, width int) string {
	if width == 0 {
		return strconv.Itoa(v)
	}
	return fmt.Sprintf("%0*d", width, v)
}

type indexed struct {
	value int
	width int
}

type pattern struct {
	prefix string
	suffix string
}

// fold groups names sharing a prefix/suffix around their last digit run.
func fold(names []string) string {
	groups := make(map[pattern][]indexed)
	var keys []string
	keyOf := make(map[string]pattern)
	var plain []string

	for _, name := range names {
		prefix, digits, suffix, ok := splitLastNumber(name)
		if !ok {
			plain = append(plain, name)
			continue
		}
		value, err := strconv.Atoi(digits)
		if err != nil {
			plain = append(plain, name)
			continue
		}
		p := pattern{prefix: prefix, suffix: suffix}
		key := prefix + "\x00" + suffix
		if _, seen := keyOf[key]; !seen {
			keyOf[key] = p
			keys = append(keys, key)
		}
		groups[p] = append(groups[p], indexed{value: value, width: paddedWidth(digits)})
	}

	type chunk struct {
		sortKey string
		text    string
	}
	chunks := make([]chunk, 0, len(keys)+len(plain))
	for _, name := range plain {
		chunks = append(chunks, chunk{sortKey: name, text: name})
	}
	for _, key := range keys {
		p := keyOf[key]
		items := groups[p]
		sort.Slice(items, func(i, j int) bool {
			if items[i].value != items[j].value {
				return items[i].value < items[j].value
			}
			return items[i].width < items[j].width
		})
		if len(items) == 1 {
			chunks = append(chunks, chunk{
				sortKey: p.prefix,
				text:    p.prefix + formatPadded(items[0].value, items[0].width) + p.suffix,
			})
			continue
		}
		chunks = append(chunks, chunk{
			sortKey: p.prefix,
			text:    p.prefix + "[" + foldRanges(items) + "]" + p.suffix,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].sortKey < chunks[j].sortKey
	})

	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.text)
	}
	return strings.Join(parts, ",")
}

func foldRanges(items []indexed) string {
	var parts []string
	start := items[0]
	prev := items[0]
	flush := func() {
		if start.value == prev.value {
			parts = append(parts, formatPadded(start.value, start.width))
			return
		}
		parts = append(parts, formatPadded(start.value, start.width)+"-"+formatPadded(prev.value, start.width))
	}
	for _, item := range items[1:] {
		if item.value == prev.value+1 && sameWidth(start.width, item) {
			prev = item
			continue
		}
		flush()
		start = item
		prev = item
	}
	flush()
	return strings.Join(parts, ",")
}

// sameWidth reports whether item can extend a range padded to width.
func sameWidth(width int, item indexed) bool {
	if item.width == width {
		return true
	}
	return width > 0 && item.width == 0 && len(strconv.Itoa(item.value)) == width
}

func splitLastNumber(name string) (prefix, digits, suffix string, ok bool) {
	end := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] >= '0' && name[i] <= '9' {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return "", "", "", false
	}
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	return name[:start], name[start:end], name[end:], true
}
