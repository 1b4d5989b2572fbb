package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageAttachmentRoundTrip(t *testing.T) {
	chat := NewChat()
	msg := NewMessage(chat)

	att := &Attachment{Kind: AttachmentFile, URL: "https://cdn.example.com/u/price list.pdf", Name: "price list.pdf", Size: 48213}
	require.NoError(t, msg.SetAttachment(att))

	got, err := msg.Attachment()
	require.NoError(t, err)
	assert.Equal(t, att, got)

	require.NoError(t, msg.SetAttachment(nil))
	got, err = msg.Attachment()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageJSONCarriesAttachmentObject(t *testing.T) {
	chat := NewChat()
	msg := NewMessage(chat, &Message{Text: "see photo"})
	require.NoError(t, msg.SetAttachment(&Attachment{Kind: AttachmentImage, URL: "https://cdn.example.com/a.png", Name: "a.png", Size: 10}))

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded struct {
		From       string     `json:"from"`
		Text       string     `json:"text"`
		Attachment Attachment `json:"attachment"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "visitor", decoded.From)
	assert.Equal(t, "see photo", decoded.Text)
	assert.Equal(t, AttachmentImage, decoded.Attachment.Kind)
	assert.Equal(t, int64(10), decoded.Attachment.Size)
}

func TestAttachmentRejectsUnknownKind(t *testing.T) {
	var a Attachment
	err := json.Unmarshal([]byte(`{"kind":"video","url":"https://x/y.mp4"}`), &a)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"kind":"image","url":"https://x/y.png","name":"y.png","size":3}`), &a)
	require.NoError(t, err)
	assert.True(t, a.IsImage())
}

func TestChatDisplayName(t *testing.T) {
	name := "Olena"
	named := NewChat(&Chat{VisitorName: &name})
	assert.Equal(t, "Olena", named.DisplayName())

	anon := NewChat(&Chat{VisitorID: "abcdef0123456789"})
	assert.Equal(t, "Visitor abcdef01", anon.DisplayName())
}

func TestSenderKindValid(t *testing.T) {
	assert.True(t, SenderVisitor.Valid())
	assert.True(t, SenderSystem.Valid())
	assert.False(t, SenderKind("admin").Valid())
}
