package markdown

import (
	"reflect"
	"testing"
)

func TestParseInlinePlainReply(t *testing.T) {
	got := ParseInline("Done. All tests pass.")
	want := []Span{{Text: "Done. All tests pass."}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected spans: %#v", got)
	}
}

func TestParseInlineMixedMarkers(t *testing.T) {
	got := ParseInline("edited **main.go** so *Run* calls `Close`")
	want := []Span{
		{Text: "edited "},
		{Text: "main.go", Bold: true},
		{Text: " so "},
		{Text: "Run", Italic: true},
		{Text: " calls "},
		{Text: "Close", Code: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected spans: %#v", got)
	}
}

func TestParseInlineBackslashEscapes(t *testing.T) {
	got := ParseInline(`glob \*.go\*`)
	want := []Span{{Text: "glob *.go*"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected spans: %#v", got)
	}
}

func TestParseInlinePartialStreamStaysLiteral(t *testing.T) {
	got := ParseInline("**Summary *of chan")
	want := []Span{{Text: "**Summary *of chan"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected spans: %#v", got)
	}
}

func TestParseInlineStrikeAndCodeLiterals(t *testing.T) {
	got := ParseInline("~~old~~ `a*b`")
	want := []Span{
		{Text: "old", Strike: true},
		{Text: " "},
		{Text: "a*b", Code: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected spans: %#v", got)
	}
}

func TestToTelegramHTMLInline(t *testing.T) {
	got := ToTelegramHTML("use **bold** & <tags> with `x<y`")
	want := "use <b>bold</b> &amp; &lt;tags&gt; with <code>x&lt;y</code>"
	if got != want {
		t.Fatalf("unexpected html:\n got %q\nwant %q", got, want)
	}
}

func TestToTelegramHTMLBlocks(t *testing.T) {
	input := "## Plan\n```go\nif a < b {\n}\n```\ndone"
	got := ToTelegramHTML(input)
	want := "<b>Plan</b>\n<pre><code class=\"language-go\">if a &lt; b {\n}</code></pre>\ndone"
	if got != want {
		t.Fatalf("unexpected html:\n got %q\nwant %q", got, want)
	}
}

func TestToTelegramHTMLUnclosedFence(t *testing.T) {
	got := ToTelegramHTML("```\npartial *stream*")
	if got != "<pre>partial *stream*</pre>" {
		t.Fatalf("unexpected html %q", got)
	}
}

func TestToTelegramHTMLHashtagIsNotHeading(t *testing.T) {
	if got := ToTelegramHTML("#tag"); got != "#tag" {
		t.Fatalf("unexpected html %q", got)
	}
}
