package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipped elements contribute no text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Form:     true,
	atom.Button:   true,
}

// blocks start on a new paragraph.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Blockquote: true, atom.Pre: true, atom.Ul: true,
	atom.Ol: true, atom.Table: true, atom.Tr: true, atom.Dl: true,
	atom.Dd: true, atom.Dt: true, atom.Figure: true, atom.Figcaption: true,
	atom.Details: true, atom.Summary: true, atom.Hr: true,
}

var headings = map[atom.Atom]string{
	atom.H1: "# ", atom.H2: "## ", atom.H3: "### ",
	atom.H4: "#### ", atom.H5: "##### ", atom.H6: "###### ",
}

// extractHTML parses raw HTML and returns its title and readable text.
// Headings keep a markdown marker and list items a bullet so the model
// sees the page structure.
func extractHTML(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", collapse(raw)
	}

	var w textWriter
	w.walk(doc)
	return strings.TrimSpace(w.title), collapse(w.b.String())
}

type textWriter struct {
	b     strings.Builder
	title string
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
			w.b.WriteString(t)
			w.b.WriteByte(' ')
		}
		return
	case html.ElementNode:
		if n.DataAtom == atom.Title && w.title == "" {
			w.title = nodeText(n)
		}
		if skipped[n.DataAtom] {
			return
		}
		if prefix, ok := headings[n.DataAtom]; ok {
			w.b.WriteString("\n\n" + prefix)
		} else if n.DataAtom == atom.Li {
			w.b.WriteString("\n- ")
		} else if blocks[n.DataAtom] {
			w.b.WriteString("\n\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || headings[n.DataAtom] != "") {
		w.b.WriteByte('\n')
	}
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

// collapse trims each line, squeezes runs of blank lines to one, and
// trims the result.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
