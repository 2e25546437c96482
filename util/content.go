package util

import (
	"bytes"
	"log"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

	// Remote content is untrusted regardless of how well-behaved the peer
	// looks, so everything that ends up stored as HTML goes through here.
	sanitizer = bluemonday.UGCPolicy()

	stripper = bluemonday.StrictPolicy()
)

// RenderMarkdown converts a markdown source string into sanitized HTML.
func RenderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		log.Printf("Markdown conversion failed, storing escaped source: %v", err)
		return SanitizeHTML(src)
	}
	return SanitizeHTML(buf.String())
}

// SanitizeHTML strips scripts, event handlers and other unwanted markup
// from remote HTML before it is stored.
func SanitizeHTML(html string) string {
	return sanitizer.Sanitize(html)
}

// SanitizeText strips all markup, leaving plain text.
func SanitizeText(html string) string {
	return stripper.Sanitize(html)
}
