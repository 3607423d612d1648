// ABOUTME: Tests for message body conversion
// ABOUTME: Emoji shortcodes, markdown rendering and HTML flattening

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
)

func TestEmojiRoundTrip(t *testing.T) {
	for _, pair := range wechatEmoji {
		uni := ShortcodesToUnicode(pair[0])
		assert.Equal(t, pair[1], uni, pair[0])
	}
	assert.Equal(t, "ok [微笑] [色]", UnicodeToShortcodes(ShortcodesToUnicode("ok [微笑] [色]")))
	assert.Equal(t, "[not an emoji]", ShortcodesToUnicode("[not an emoji]"))
}

func TestWeChatToMatrixPlainTextStillHasHTML(t *testing.T) {
	c := WeChatToMatrix("hello there\nsecond line")
	assert.Equal(t, event.MsgText, c.MsgType)
	assert.Equal(t, "hello there\nsecond line", c.Body)
	assert.Equal(t, event.FormatHTML, c.Format)
	assert.Contains(t, c.FormattedBody, "hello there<br>")
	assert.Contains(t, c.FormattedBody, "second line")

	c = WeChatToMatrix("a < b")
	assert.Equal(t, "a &lt; b", c.FormattedBody)
}

func TestWeChatToMatrixMarkdown(t *testing.T) {
	c := WeChatToMatrix("this is **bold** [微笑]")
	assert.Equal(t, "this is **bold** 🙂", c.Body)
	assert.Equal(t, event.FormatHTML, c.Format)
	assert.Equal(t, "this is <strong>bold</strong> 🙂", c.FormattedBody)
}

func TestMatrixToWeChat(t *testing.T) {
	tests := []struct {
		name    string
		content *event.MessageEventContent
		want    string
	}{
		{
			name:    "plain",
			content: &event.MessageEventContent{Body: "hi 😍"},
			want:    "hi [色]",
		},
		{
			name:    "plain reply fallback",
			content: &event.MessageEventContent{Body: "> <@bob:example.org> earlier\n\nanswer"},
			want:    "answer",
		},
		{
			name: "html reply fallback",
			content: &event.MessageEventContent{
				Body:          "> quoted\n\nreply",
				Format:        event.FormatHTML,
				FormattedBody: "<mx-reply><blockquote>quoted</blockquote></mx-reply>reply",
			},
			want: "reply",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatrixToWeChat(tt.content))
		})
	}
}

func TestMatrixToWeChatFlattensHTML(t *testing.T) {
	out := MatrixToWeChat(&event.MessageEventContent{
		Body:          "hello world",
		Format:        event.FormatHTML,
		FormattedBody: "hello <b>world</b> 😍",
	})
	assert.Contains(t, out, "world")
	assert.Contains(t, out, "[色]")
	assert.NotContains(t, out, "<b>")
}

func TestNoticeContentRendersMarkdown(t *testing.T) {
	c := NoticeContent("Logged in as `wxid`.")
	assert.Equal(t, event.MsgNotice, c.MsgType)
	assert.Equal(t, "Logged in as <code>wxid</code>.", c.FormattedBody)
}
