// Package speech renders markdown replies as text suitable for a
// text-to-speech engine. Formatting markers are dropped, links keep
// their text, and content that cannot be read aloud is replaced by a
// short announcement.
package speech

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Announcements spoken in place of unreadable content.
const (
	CodeAnnouncement    = "Here's a code snippet."
	DiagramAnnouncement = "Here's a diagram."
	ImagePrefix         = "Here is an image"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Render converts markdown to speakable plain text on a single line.
func Render(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	r := &renderer{source: source}
	r.blocks(doc)
	return strings.Join(strings.Fields(r.buf.String()), " ")
}

type renderer struct {
	source []byte
	buf    bytes.Buffer
}

func (r *renderer) blocks(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.block(n)
	}
}

func (r *renderer) block(n ast.Node) {
	switch n := n.(type) {
	case *ast.FencedCodeBlock:
		if strings.EqualFold(string(n.Language(r.source)), "mermaid") {
			r.sentence(DiagramAnnouncement)
		} else {
			r.sentence(CodeAnnouncement)
		}
	case *ast.CodeBlock:
		r.sentence(CodeAnnouncement)
	case *ast.ThematicBreak, *ast.HTMLBlock:
	case *ast.List:
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			r.blocks(item)
		}
	case *ast.Blockquote:
		r.blocks(n)
	case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
		var line bytes.Buffer
		r.inlines(&line, n)
		r.sentence(line.String())
	default:
		if n.Type() == ast.TypeBlock {
			r.blocks(n)
		}
	}
}

// sentence writes s and terminates it so adjacent blocks do not run
// together when read aloud.
func (r *renderer) sentence(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	r.buf.WriteString(s)
	if !strings.ContainsRune(".!?:;", rune(s[len(s)-1])) {
		r.buf.WriteByte('.')
	}
	r.buf.WriteByte(' ')
}

func (r *renderer) inlines(w *bytes.Buffer, parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.inline(w, n)
	}
}

func (r *renderer) inline(w *bytes.Buffer, n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		w.Write(n.Segment.Value(r.source))
		if n.SoftLineBreak() || n.HardLineBreak() {
			w.WriteByte(' ')
		}
	case *ast.String:
		w.Write(n.Value)
	case *ast.AutoLink:
		w.Write(n.Label(r.source))
	case *ast.Image:
		var alt bytes.Buffer
		r.inlines(&alt, n)
		if a := strings.TrimSpace(alt.String()); a != "" {
			w.WriteString(" " + ImagePrefix + ": " + a + ". ")
		} else {
			w.WriteString(" " + ImagePrefix + ". ")
		}
	case *ast.RawHTML:
	default:
		// Emphasis, strikethrough, code spans and links read as their text.
		r.inlines(w, n)
	}
}
