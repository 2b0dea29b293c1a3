package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/duavault/extract-worker/internal/errors"
)

// PageText downloads a web page and returns its visible text, one block per
// line, truncated to MaxPageRunes.
func (c *Client) PageText(ctx context.Context, pageURL string) (string, error) {
	resp, err := c.Get(ctx, pageURL, "page", c.config.MaxPageBytes)
	if err != nil {
		return "", err
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(resp.Body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	var text string
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		text, err = HTMLText(bytes.NewReader(resp.Body), contentType)
		if err != nil {
			return "", errors.NewInvalidInputError(fmt.Sprintf("page could not be parsed: %v", err))
		}
	case "text/plain":
		r, err := charset.NewReader(bytes.NewReader(resp.Body), contentType)
		if err != nil {
			return "", errors.NewInvalidInputError(fmt.Sprintf("page encoding not supported: %v", err))
		}
		body, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		text = joinLines(strings.Split(string(body), "\n"))
	default:
		return "", errors.NewInvalidInputError(fmt.Sprintf("page is not a web page: %s", contentType))
	}

	return truncateRunes(text, c.config.MaxPageRunes), nil
}

// HTMLText extracts the readable text of an HTML document, converting from
// the charset declared in contentType or the document itself.
func HTMLText(r io.Reader, contentType string) (string, error) {
	utf8Reader, err := charset.NewReader(r, contentType)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(utf8Reader)
	if err != nil {
		return "", err
	}

	var (
		lines []string
		cur   strings.Builder
	)
	flush := func() {
		lines = append(lines, cur.String())
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		case html.ElementNode:
			if skippedElements[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Br {
				flush()
				return
			}
		case html.CommentNode, html.DoctypeNode:
			return
		}

		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(doc)
	flush()

	return joinLines(lines), nil
}

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Form:     true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.Header: true, atom.Aside: true, atom.Blockquote: true, atom.Pre: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Table: true, atom.Tr: true, atom.Td: true, atom.Th: true, atom.Figure: true, atom.Figcaption: true,
}

// joinLines collapses whitespace inside each line and drops empty lines.
func joinLines(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
