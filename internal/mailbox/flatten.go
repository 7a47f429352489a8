package mailbox

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"golang.org/x/net/html"
	"google.golang.org/api/gmail/v1"
)

// Flatten converts a full-format Gmail message into EmailContent. Text parts
// are decoded and concatenated depth-first; HTML parts have their markup removed.
func Flatten(msg *gmail.Message) (*service.EmailContent, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	content := &service.EmailContent{ID: msg.Id}
	if msg.InternalDate > 0 {
		content.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return content, nil
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			content.Subject = h.Value
		case "from":
			content.From = h.Value
		case "date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				content.Date = t.UTC()
			}
		}
	}

	var parts []string
	if err := collectText(msg.Payload, &parts); err != nil {
		return nil, err
	}
	content.Body = strings.Join(parts, "\n")
	return content, nil
}

func collectText(part *gmail.MessagePart, out *[]string) error {
	if part == nil {
		return nil
	}

	mimeType := strings.ToLower(part.MimeType)
	if part.Body != nil && part.Body.Data != "" &&
		(strings.HasPrefix(mimeType, "text/plain") || strings.HasPrefix(mimeType, "text/html")) {
		decoded, err := decodeBody(part.Body.Data)
		if err != nil {
			return fmt.Errorf("decode %s part: %w", mimeType, err)
		}
		text := decoded
		if strings.HasPrefix(mimeType, "text/html") {
			text = StripHTML(decoded)
		}
		if text = strings.TrimSpace(text); text != "" {
			*out = append(*out, text)
		}
	}

	for _, child := range part.Parts {
		if err := collectText(child, out); err != nil {
			return err
		}
	}
	return nil
}

// decodeBody accepts base64url data with or without padding.
func decodeBody(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", err
		}
	}
	return string(b), nil
}

// StripHTML returns the visible text of an HTML fragment with whitespace collapsed.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHiddenTag(name) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if name, _ := z.TagName(); isHiddenTag(name) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isHiddenTag(name []byte) bool {
	switch string(name) {
	case "script", "style", "head", "title":
		return true
	}
	return false
}
