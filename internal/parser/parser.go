// Package parser decomposes voicemail notification mails into
// notification.Notification values.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	// Registers charset decoders for non-UTF-8 bodies and encoded words.
	_ "github.com/emersion/go-message/charset"

	"github.com/shineum/voicemail-relay/internal/notification"
)

// Failure reasons reported by ParseError.
const (
	ReasonMalformed        = "malformed message"
	ReasonNotMultipart     = "not multipart"
	ReasonWrongPartCount   = "wrong part count"
	ReasonUnrecognizedBody = "unrecognized body structure"
	ReasonNotWav           = "attachment is not audio/x-wav"
	ReasonNotPlainText     = "body is not text/plain"
)

const (
	mediaAlternative = "multipart/alternative"
	mediaPlain       = "text/plain"
	mediaWav         = "audio/x-wav"
)

// ParseError reports a mail whose structure is not a voicemail notification.
type ParseError struct {
	Reason string
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	msg := e.Reason
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// part is a fully read top-level MIME part. For nested multiparts only the
// first sub-part is kept.
type part struct {
	mediaType string
	body      []byte
	first     *part
}

// Parse validates the structure of a raw notification mail and extracts
// subject, body text and the optional WAV recording. It either returns a
// complete Notification or a *ParseError.
func Parse(raw []byte) (*notification.Notification, error) {
	msg, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &ParseError{Reason: ReasonMalformed, Err: err}
	}

	mr := msg.MultipartReader()
	if mr == nil {
		return nil, &ParseError{Reason: ReasonNotMultipart, Detail: mediaTypeOf(msg.Header)}
	}
	defer mr.Close()

	subject := decodeSubject(msg.Header)

	var parts []*part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, &ParseError{Reason: ReasonMalformed, Err: err}
		}
		if len(parts) == 2 {
			return nil, &ParseError{Reason: ReasonWrongPartCount, Detail: "more than 2 parts"}
		}
		read, err := readPart(p)
		if err != nil {
			return nil, &ParseError{Reason: ReasonMalformed, Err: err}
		}
		parts = append(parts, read)
	}

	// A sole text/plain part is a text-only notification.
	if len(parts) == 1 && parts[0].mediaType == mediaPlain {
		return &notification.Notification{
			Subject: subject,
			Text:    string(parts[0].body),
		}, nil
	}
	if len(parts) != 2 {
		return nil, &ParseError{Reason: ReasonWrongPartCount, Detail: fmt.Sprintf("got %d parts", len(parts))}
	}

	body, attachment := parts[0], parts[1]

	switch body.mediaType {
	case mediaAlternative:
		if attachment.mediaType != mediaWav {
			return nil, &ParseError{Reason: ReasonNotWav, Detail: attachment.mediaType}
		}
		if body.first == nil || body.first.mediaType != mediaPlain {
			got := "none"
			if body.first != nil {
				got = body.first.mediaType
			}
			return nil, &ParseError{Reason: ReasonNotPlainText, Detail: got}
		}
		if len(attachment.body) == 0 {
			return nil, &ParseError{Reason: ReasonNotWav, Detail: "empty attachment"}
		}
		return &notification.Notification{
			Subject: subject,
			Text:    string(body.first.body),
			Audio:   attachment.body,
		}, nil

	case mediaPlain:
		return &notification.Notification{
			Subject: subject,
			Text:    string(body.body),
		}, nil

	default:
		return nil, &ParseError{Reason: ReasonUnrecognizedBody, Detail: body.mediaType}
	}
}

// readPart reads a top-level part. The body has already been decoded from
// its transfer encoding and, for text parts, converted to UTF-8.
func readPart(e *message.Entity) (*part, error) {
	p := &part{mediaType: mediaTypeOf(e.Header)}

	if mr := e.MultipartReader(); mr != nil {
		sub, err := mr.NextPart()
		if err == io.EOF {
			return p, nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read nested part: %w", err)
		}
		content, err := io.ReadAll(sub.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read nested part body: %w", err)
		}
		p.first = &part{mediaType: mediaTypeOf(sub.Header), body: content}
		return p, nil
	}

	content, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s part: %w", p.mediaType, err)
	}
	p.body = content
	return p, nil
}

// decodeSubject decodes MIME encoded-words in the Subject header, falling
// back to the raw header text if decoding fails.
func decodeSubject(h message.Header) string {
	subject, err := h.Text("Subject")
	if err != nil {
		return h.Get("Subject")
	}
	return subject
}

// mediaTypeOf returns the lower-cased media type of an entity, defaulting to
// text/plain as RFC 2045 prescribes for a missing Content-Type.
func mediaTypeOf(h message.Header) string {
	if h.Get("Content-Type") == "" {
		return mediaPlain
	}
	t, _, err := h.ContentType()
	if err != nil {
		// Unparseable parameters still carry a usable media type.
		raw := h.Get("Content-Type")
		if i := strings.IndexByte(raw, ';'); i >= 0 {
			raw = raw[:i]
		}
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(t)
}
