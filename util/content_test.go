package util

import (
	"strings"
	"testing"
)

func TestRenderMarkdown(t *testing.T) {
	result := RenderMarkdown("some **bold** text")

	if !strings.Contains(result, "<strong>bold</strong>") {
		t.Errorf("Markdown not rendered: %s", result)
	}
}

func TestRenderMarkdownStripsScripts(t *testing.T) {
	result := RenderMarkdown("hello <script>alert(1)</script> world")

	if strings.Contains(result, "<script>") {
		t.Errorf("Script survived rendering: %s", result)
	}
	if !strings.Contains(result, "hello") {
		t.Errorf("Legitimate text lost: %s", result)
	}
}

func TestSanitizeHTML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		keeps   string
		removes string
	}{
		{
			name:    "script tag",
			input:   `<p>fine</p><script>alert(1)</script>`,
			keeps:   "<p>fine</p>",
			removes: "<script>",
		},
		{
			name:    "event handler",
			input:   `<a href="https://example.com" onclick="evil()">link</a>`,
			keeps:   "link",
			removes: "onclick",
		},
		{
			name:    "iframe",
			input:   `text<iframe src="https://evil.example"></iframe>`,
			keeps:   "text",
			removes: "<iframe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeHTML(tt.input)
			if !strings.Contains(result, tt.keeps) {
				t.Errorf("Expected %q kept, got: %s", tt.keeps, result)
			}
			if strings.Contains(result, tt.removes) {
				t.Errorf("Expected %q removed, got: %s", tt.removes, result)
			}
		})
	}
}

func TestSanitizeText(t *testing.T) {
	result := SanitizeText("<p>a <strong>plain</strong> sentence</p>")

	if strings.Contains(result, "<") {
		t.Errorf("Markup survived stripping: %s", result)
	}
	if !strings.Contains(result, "plain") {
		t.Errorf("Text content lost: %s", result)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()

	if !strings.HasPrefix(ua, "avens/") {
		t.Errorf("Unexpected user agent: %s", ua)
	}
	if !strings.Contains(ua, "ActivityPub") {
		t.Errorf("User agent missing protocol marker: %s", ua)
	}
}
