package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"google.golang.org/api/gmail/v1"

	"github.com/vipul43/orders-sync/internal/service"
)

// normalizeMessage extracts the envelope from a "full" format message.
func normalizeMessage(msg *gmail.Message) *service.NormalizedEmail {
	email := &service.NormalizedEmail{MessageID: msg.Id}

	if msg.Payload == nil {
		return email
	}

	var replyTo, dateHeader string
	for _, header := range msg.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "subject":
			email.Subject = header.Value
		case "from":
			email.From = header.Value
		case "reply-to":
			replyTo = header.Value
		case "date":
			dateHeader = header.Value
		}
	}

	email.ReplyTo = replyTo
	if email.ReplyTo == "" {
		email.ReplyTo = email.From
	}

	email.Date = messageDate(dateHeader, msg.InternalDate)
	email.Body, email.HTMLBody = extractBodies(msg.Payload)

	return email
}

// extractBodies prefers the top-level body, which always fills the plain body and
// also the HTML body when it is text/html. Otherwise the first text/plain and
// first text/html parts anywhere in the tree.
func extractBodies(payload *gmail.MessagePart) (*string, *string) {
	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := decodeBody(payload.Body.Data); err == nil {
			if strings.EqualFold(payload.MimeType, "text/html") {
				return &decoded, &decoded
			}
			return &decoded, nil
		}
	}

	var textPlain, textHTML *string
	extractBodiesFromParts(payload.Parts, &textPlain, &textHTML)
	return textPlain, textHTML
}

// extractBodiesFromParts recursively extracts text and HTML from message parts
func extractBodiesFromParts(parts []*gmail.MessagePart, textPlain, textHTML **string) {
	for _, part := range parts {
		if *textPlain != nil && *textHTML != nil {
			return
		}

		if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
			mimeType := strings.ToLower(part.MimeType)
			if (mimeType == "text/plain" && *textPlain == nil) || (mimeType == "text/html" && *textHTML == nil) {
				if decoded, err := decodeBody(part.Body.Data); err == nil {
					if mimeType == "text/plain" {
						*textPlain = &decoded
					} else {
						*textHTML = &decoded
					}
				}
			}
		}

		// Recursively check nested parts
		if len(part.Parts) > 0 {
			extractBodiesFromParts(part.Parts, textPlain, textHTML)
		}
	}
}

// decodeBody decodes Gmail's URL-safe base64, with or without padding.
func decodeBody(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", fmt.Errorf("failed to decode body: %w", err)
		}
	}
	return string(decoded), nil
}

// normalizeRaw parses a "raw" format message with enmime.
func normalizeRaw(msg *gmail.Message) (*service.NormalizedEmail, error) {
	raw, err := decodeBody(msg.Raw)
	if err != nil {
		return nil, err
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader([]byte(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse email body: %w", err)
	}

	email := &service.NormalizedEmail{
		MessageID: msg.Id,
		From:      envelope.GetHeader("From"),
		Subject:   envelope.GetHeader("Subject"),
		ReplyTo:   envelope.GetHeader("Reply-To"),
		Date:      messageDate(envelope.GetHeader("Date"), msg.InternalDate),
	}
	if email.ReplyTo == "" {
		email.ReplyTo = email.From
	}
	if envelope.Text != "" {
		text := envelope.Text
		email.Body = &text
	}
	if envelope.HTML != "" {
		html := envelope.HTML
		email.HTMLBody = &html
	}

	return email, nil
}

// messageDate prefers the Date header and falls back to Gmail's internal date (ms since epoch).
func messageDate(header string, internalDate int64) time.Time {
	if header != "" {
		if t, err := parseEmailDate(header); err == nil {
			return t
		}
	}
	if internalDate > 0 {
		return time.UnixMilli(internalDate)
	}
	return time.Time{}
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)

	// Remove timezone name in parentheses, e.g. "(UTC)"
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	if t, err := mail.ParseDate(dateStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
