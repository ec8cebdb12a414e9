// Package render implements Markdown→HTML rendering for CID content served
// without an extension or with an explicit ".md" extension (spec.md §6 MIME
// table). It exists solely to satisfy that table entry — Markdown rendering
// is not a standalone, user-facing CMS feature (SPEC_FULL.md §6 Non-goals).
//
// Grounded on internal/markdown/markdown.go's goldmark+bluemonday pipeline,
// generalized from "parse a frontmatter'd blog post" down to "render
// arbitrary Markdown bytes to sanitized HTML". The go.abhg.dev/goldmark/mermaid
// extender is dropped (DESIGN.md): it appears nowhere in any go.mod across
// the pack and no SPEC_FULL.md component calls for diagram rendering.
package render

import (
	"bytes"
	"regexp"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer renders Markdown to sanitized HTML. It satisfies
// internal/router.Renderer.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// New builds a Renderer with the same GFM/table/strikethrough
// extension set (minus the dropped mermaid extender).
func New() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
		),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(html.WithUnsafe()), // sanitized afterward
	)
	return &Renderer{md: md, policy: sanitizePolicy()}
}

// markdownSignal matches a handful of characters at the start of a line
// that are overwhelmingly Markdown-specific: ATX headings, list markers,
// fenced code blocks, blockquotes. Used by IsMarkdown to decide whether
// extensionless CID content should be rendered as Markdown or served as
// plain text (spec.md §6: "extensionless Markdown detection").
var markdownSignal = regexp.MustCompile(`(?m)^(#{1,6}\s|\s*[-*+]\s|\s*\d+\.\s|>\s|` + "```" + `)`)

// IsMarkdown heuristically detects Markdown content. It is intentionally
// conservative: plain text with no Markdown-specific syntax renders as
// text/plain rather than risk mangling unrelated content.
func (r *Renderer) IsMarkdown(content []byte) bool {
	if !utf8.Valid(content) {
		return false
	}
	return markdownSignal.Match(content)
}

// RenderHTML converts Markdown content to sanitized HTML.
func (r *Renderer) RenderHTML(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.md.Convert(content, &buf); err != nil {
		return nil, err
	}
	sanitized := r.policy.Sanitize(buf.String())
	return []byte(sanitized), nil
}

func sanitizePolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("id").Matching(regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^[a-zA-Z0-9\s\-_]+$`)).OnElements("code", "pre")
	return p
}
