package llm

import "strings"

// CleanCodeBlock removes a markdown code fence around a response. Models
// often fence output even when told not to.
func CleanCodeBlock(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Skip a language identifier on the first line
	if idx := strings.Index(text, "\n"); idx >= 0 {
		firstLine := text[:idx]
		if len(firstLine) < 20 && !strings.ContainsAny(firstLine, " {<") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// ExtractHTMLDocument returns the HTML document embedded in text, dropping
// any preamble before <!DOCTYPE or <html and anything after </html>.
func ExtractHTMLDocument(text string) (string, bool) {
	text = CleanCodeBlock(text)
	lower := strings.ToLower(text)

	start := strings.Index(lower, "<!doctype html")
	if start < 0 {
		start = strings.Index(lower, "<html")
	}
	if start < 0 {
		return "", false
	}
	end := strings.LastIndex(lower, "</html>")
	if end < start {
		return "", false
	}
	return strings.TrimSpace(text[start : end+len("</html>")]), true
}
