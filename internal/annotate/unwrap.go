package annotate

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// DefaultAttribute marks an inline comment anchor in document content.
const DefaultAttribute = "data-comment-id"

var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {}, "img": {},
	"input": {}, "link": {}, "meta": {}, "source": {}, "track": {}, "wbr": {},
}

// Unwrap replaces every element whose DefaultAttribute equals commentID with
// its inner markup. It reports whether an anchor was found.
func Unwrap(content, commentID string) (string, bool) {
	return unwrapAttr(content, DefaultAttribute, commentID)
}

// unwrapAttr walks the raw token stream so everything outside the anchor tags
// is copied byte for byte. Nested elements with the anchor's tag name are
// depth-counted, so a match ends at the anchor's own closing tag.
func unwrapAttr(content, attr, commentID string) (string, bool) {
	commentID = strings.TrimSpace(commentID)
	if commentID == "" || content == "" {
		return content, false
	}
	attr = strings.ToLower(attr)

	var out strings.Builder
	out.Grow(len(content))

	z := html.NewTokenizer(strings.NewReader(content))
	found := false
	anchorTag := ""
	depth := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				out.Write(z.Raw())
			}
			break
		}
		raw := string(z.Raw())

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if depth > 0 {
				if tt == html.StartTagToken && tag == anchorTag {
					depth++
				}
				out.WriteString(raw)
				continue
			}
			if hasAttr && hasAnchorID(z, attr, commentID) {
				found = true
				_, void := voidElements[tag]
				if tt == html.StartTagToken && !void {
					anchorTag = tag
					depth = 1
				}
				continue
			}
		case html.EndTagToken:
			if depth > 0 {
				name, _ := z.TagName()
				if string(name) == anchorTag {
					depth--
					if depth == 0 {
						anchorTag = ""
						continue
					}
				}
			}
		}
		out.WriteString(raw)
	}

	if !found {
		return content, false
	}
	return out.String(), true
}

func hasAnchorID(z *html.Tokenizer, attr, commentID string) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == attr && strings.TrimSpace(string(val)) == commentID {
			return true
		}
		if !more {
			return false
		}
	}
}
