// ABOUTME: Message body conversion between WeChat text and Matrix content
// ABOUTME: Markdown rendering via goldmark, HTML flattening via mautrix/format

package bridge

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

var markdown = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

// RenderMarkdown renders s to HTML. A single paragraph is unwrapped.
func RenderMarkdown(s string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(s), &buf); err != nil {
		return ""
	}
	out := strings.TrimSpace(buf.String())
	if strings.HasPrefix(out, "<p>") && strings.HasSuffix(out, "</p>") && strings.Count(out, "<p>") == 1 {
		out = strings.TrimSuffix(strings.TrimPrefix(out, "<p>"), "</p>")
	}
	return out
}

// WeChatToMatrix converts a WeChat text body to Matrix message content with
// both a plain and an HTML body.
func WeChatToMatrix(text string) *event.MessageEventContent {
	body := ShortcodesToUnicode(text)
	rendered := RenderMarkdown(body)
	if rendered == "" {
		rendered = escapeHTML(body)
	}
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: rendered,
	}
}

// MatrixToWeChat flattens a Matrix message to WeChat text.
func MatrixToWeChat(content *event.MessageEventContent) string {
	text := content.Body
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		text = format.HTMLToText(stripReplyFallback(content.FormattedBody))
	} else {
		text = stripPlainReplyFallback(text)
	}
	return UnicodeToShortcodes(text)
}

// NoticeContent builds an m.notice with markdown rendered to HTML.
func NoticeContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	if rendered := RenderMarkdown(text); rendered != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = rendered
	}
	return content
}

func escapeHTML(s string) string {
	return strings.ReplaceAll(htmlEscaper.Replace(s), "\n", "<br>")
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func stripReplyFallback(h string) string {
	if i := strings.Index(h, "</mx-reply>"); i >= 0 && strings.HasPrefix(h, "<mx-reply>") {
		return h[i+len("</mx-reply>"):]
	}
	return h
}

func stripPlainReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
