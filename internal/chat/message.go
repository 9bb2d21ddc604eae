// Package chat holds the chat wire format exchanged over the peer data
// channel and the attachment upload path.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrEmptyMessage = errors.New("empty message")

// Message is one chat entry as sent over the data channel
type Message struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

// NewMessage stamps text with a fresh id. Blank text is rejected.
func NewMessage(senderID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	return Message{ID: "msg_" + uuid.NewString(), SenderID: senderID, Text: text}, nil
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a data channel frame
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode chat message: %w", err)
	}
	if m.ID == "" {
		return Message{}, errors.New("chat message without id")
	}
	return m, nil
}

// Attachment is the structured payload a message text may carry instead of
// plain text
type Attachment struct {
	IsMedia bool   `json:"isMedia"`
	Type    string `json:"type"`
	URL     string `json:"url"`
	Name    string `json:"name"`
}

// NewAttachment describes an uploaded file. An empty content type is derived
// from the file extension.
func NewAttachment(name, contentType, url string) Attachment {
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Attachment{IsMedia: true, Type: contentType, URL: url, Name: name}
}

// Kind groups the attachment for rendering: image, video, audio or file
func (a Attachment) Kind() string {
	switch {
	case strings.HasPrefix(a.Type, "image/"):
		return "image"
	case strings.HasPrefix(a.Type, "video/"):
		return "video"
	case strings.HasPrefix(a.Type, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// EncodeAttachment serializes a into message text
func EncodeAttachment(a Attachment) (string, error) {
	a.IsMedia = true
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode tries to read text as an attachment. ok is false for plain text,
// including JSON that is not an attachment.
func Decode(text string) (a Attachment, ok bool) {
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		return Attachment{}, false
	}
	if err := json.Unmarshal([]byte(text), &a); err != nil || !a.IsMedia {
		return Attachment{}, false
	}
	return a, true
}

// ErrorMarker is the inline message posted when an upload fails
func ErrorMarker(name string) string {
	return "[Error: Failed to upload " + name + "]"
}
