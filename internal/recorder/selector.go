package recorder

import (
	"fmt"
	"strings"
)

// DetachedMarker prefixes the selector of an element whose ancestry no
// longer reaches the document root.
const DetachedMarker = "<no longer present>"

// Selector builds a CSS-like path for el: tag, #id and .classes per
// level joined by '>', starting below <html>. A level gets an
// :nth-child(n) suffix only when more than one sibling matches its own
// selector; n counts among those matching siblings.
func Selector(el Element) string {
	if el == nil {
		return ""
	}
	sel := describe(el)
	parent := el.Parent()
	if parent == nil {
		if isRoot(el) {
			return sel
		}
		return DetachedMarker + " " + sel
	}

	matches, position := 0, 0
	for _, sibling := range parent.Children() {
		if !matchesSelector(sibling, el) {
			continue
		}
		matches++
		if sibling == el {
			position = matches
		}
	}
	if matches > 1 && position > 0 {
		sel += fmt.Sprintf(":nth-child(%d)", position)
	}

	if strings.EqualFold(parent.TagName(), "html") {
		return sel
	}
	return Selector(parent) + ">" + sel
}

func describe(el Element) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(el.TagName()))
	if id := el.ID(); id != "" {
		b.WriteString("#")
		b.WriteString(id)
	}
	for _, c := range el.Classes() {
		if c == "" {
			continue
		}
		b.WriteString(".")
		b.WriteString(c)
	}
	return b.String()
}

func isRoot(el Element) bool {
	tag := strings.ToLower(el.TagName())
	return tag == "html" || tag == "#document"
}

// matchesSelector reports whether candidate would be selected by the
// selector describing ref: same tag, same id when ref has one, and a
// superset of ref's classes.
func matchesSelector(candidate, ref Element) bool {
	if !strings.EqualFold(candidate.TagName(), ref.TagName()) {
		return false
	}
	if id := ref.ID(); id != "" && candidate.ID() != id {
		return false
	}
	return hasClasses(candidate, ref.Classes())
}

func hasClasses(el Element, want []string) bool {
	have := el.Classes()
	for _, w := range want {
		if w == "" {
			continue
		}
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// closestWithClasses walks from el up through its ancestors and
// returns the first element carrying every class in want.
func closestWithClasses(el Element, want []string) Element {
	if len(want) == 0 {
		return nil
	}
	for cur := el; cur != nil; cur = cur.Parent() {
		if hasClasses(cur, want) {
			return cur
		}
	}
	return nil
}
