package dom

import (
	"fmt"
	"strconv"
	"strings"
)

// PathStep is one (tag, nth-of-type) hop.
type PathStep struct {
	Tag   string `json:"tag"`
	Index int    `json:"index"` // 1-based among same-tag siblings
}

// Path is an ordered list of steps from the outermost ancestor down to the
// element itself.
type Path []PathStep

// String renders the path as a CSS child-combinator selector:
//
//	body:nth-of-type(1)>div:nth-of-type(2)>input:nth-of-type(1)
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = fmt.Sprintf("%s:nth-of-type(%d)", s.Tag, s.Index)
	}
	return strings.Join(parts, ">")
}

// XPath renders the path as an XPath. Paths starting at body are anchored at
// the document root; partial paths match anywhere.
func (p Path) XPath() string {
	var b strings.Builder
	if len(p) > 0 && p[0].Tag == "body" {
		b.WriteString("/html")
	} else {
		b.WriteString("/")
	}
	for _, s := range p {
		fmt.Fprintf(&b, "/%s[%d]", s.Tag, s.Index)
	}
	return b.String()
}

// ParsePath parses the output of Path.String.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrSelector)
	}
	var p Path
	for _, part := range strings.Split(s, ">") {
		tag, rest, ok := strings.Cut(part, ":nth-of-type(")
		if !ok || tag == "" || !strings.HasSuffix(rest, ")") {
			return nil, fmt.Errorf("%w: bad step %q", ErrSelector, part)
		}
		n, err := strconv.Atoi(strings.TrimSuffix(rest, ")"))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: bad index in %q", ErrSelector, part)
		}
		if strings.ContainsAny(tag, " :[]/'\"") {
			return nil, fmt.Errorf("%w: bad tag %q", ErrSelector, tag)
		}
		p = append(p, PathStep{Tag: strings.ToLower(tag), Index: n})
	}
	return p, nil
}
