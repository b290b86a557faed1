package markdown

import (
	"html"
	"strings"
)

// Span represents a styled slice of text.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Strike bool
	Code   bool
}

// inlineMarkers are checked longest first so "**" wins over "*".
var inlineMarkers = []string{"**", "~~", "*", "`"}

// ParseInline parses a subset of inline markdown. Supported markers:
// **bold**, *italic*, ~~strike~~, and `code`. A marker without a closing
// partner is kept literally.
func ParseInline(input string) []Span {
	if input == "" {
		return nil
	}
	var spans []Span
	var buf strings.Builder
	var style Span

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		span := style
		span.Text = buf.String()
		spans = append(spans, span)
		buf.Reset()
	}

	for i := 0; i < len(input); {
		ch := input[i]
		if ch == '\\' && i+1 < len(input) && !style.Code {
			buf.WriteByte(input[i+1])
			i += 2
			continue
		}
		marker := markerAt(input[i:], style.Code)
		if marker == "" {
			buf.WriteByte(ch)
			i++
			continue
		}
		on := toggle(&style, marker)
		if *on {
			flush()
			*on = false
			i += len(marker)
			continue
		}
		if strings.Contains(input[i+len(marker):], marker) {
			flush()
			*on = true
			i += len(marker)
			continue
		}
		buf.WriteString(marker)
		i += len(marker)
	}
	flush()
	return spans
}

func markerAt(rest string, inCode bool) string {
	if inCode {
		if strings.HasPrefix(rest, "`") {
			return "`"
		}
		return ""
	}
	for _, marker := range inlineMarkers {
		if strings.HasPrefix(rest, marker) {
			return marker
		}
	}
	return ""
}

func toggle(style *Span, marker string) *bool {
	switch marker {
	case "**":
		return &style.Bold
	case "~~":
		return &style.Strike
	case "`":
		return &style.Code
	default:
		return &style.Italic
	}
}

// ToTelegramHTML renders markdown into the HTML subset Telegram accepts:
// <b>, <i>, <s>, <code>, and <pre>. Fenced code blocks become <pre> blocks,
// headings become bold lines, and everything else is escaped.
func ToTelegramHTML(input string) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(input, "\n")
	out := make([]string, 0, len(lines))
	var fence []string
	inFence := false
	lang := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				out = append(out, renderFence(lang, fence))
				fence = fence[:0]
				inFence = false
				continue
			}
			inFence = true
			lang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			continue
		}
		if inFence {
			fence = append(fence, line)
			continue
		}
		if heading, ok := headingText(trimmed); ok {
			out = append(out, "<b>"+html.EscapeString(heading)+"</b>")
			continue
		}
		out = append(out, renderInline(line))
	}
	if inFence {
		out = append(out, renderFence(lang, fence))
	}
	return strings.Join(out, "\n")
}

func renderFence(lang string, lines []string) string {
	body := html.EscapeString(strings.Join(lines, "\n"))
	if lang != "" {
		return `<pre><code class="language-` + html.EscapeString(lang) + `">` + body + "</code></pre>"
	}
	return "<pre>" + body + "</pre>"
}

func headingText(line string) (string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	text := strings.TrimLeft(line, "#")
	if len(line)-len(text) > 6 || !strings.HasPrefix(text, " ") {
		return "", false
	}
	return strings.TrimSpace(text), true
}

func renderInline(line string) string {
	var b strings.Builder
	for _, span := range ParseInline(line) {
		text := html.EscapeString(span.Text)
		if span.Code {
			b.WriteString("<code>" + text + "</code>")
			continue
		}
		if span.Strike {
			text = "<s>" + text + "</s>"
		}
		if span.Italic {
			text = "<i>" + text + "</i>"
		}
		if span.Bold {
			text = "<b>" + text + "</b>"
		}
		b.WriteString(text)
	}
	return b.String()
}
