// Package gmail adapts the Gmail API to the mailbox operations smail needs:
// listing inbox candidates, fetching messages, and moving phishing to trash.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/daviddao/smail/internal/types"
	"github.com/jhillyerd/enmime"
	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// Label IDs used by the dashboard.
const (
	LabelInbox     = "INBOX"
	LabelTrash     = "TRASH"
	LabelStarred   = "STARRED"
	LabelImportant = "IMPORTANT"
)

const user = "me"

var (
	// ErrAuthExpired means the OAuth grant is no longer valid and the user
	// has to sign in again. It is never retried.
	ErrAuthExpired = errors.New("gmail authorization expired")

	// ErrNotFound means the message no longer exists.
	ErrNotFound = errors.New("message not found")
)

// Mailbox is one authenticated Gmail account.
type Mailbox struct {
	svc        *gm.Service
	maxResults int64
	pageSize   int64
}

// NewMailbox wraps svc. maxResults caps how many inbox messages a scan pass
// looks at; pageSize is the list page size.
func NewMailbox(svc *gm.Service, maxResults, pageSize int) *Mailbox {
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxResults <= 0 {
		maxResults = 200
	}
	return &Mailbox{svc: svc, maxResults: int64(maxResults), pageSize: int64(pageSize)}
}

// Profile returns the account's email address.
func (m *Mailbox) Profile(ctx context.Context) (string, error) {
	p, err := m.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", wrap("get profile", err)
	}
	return p.EmailAddress, nil
}

// ListCandidates returns the ids of the newest inbox messages, up to the
// configured maximum.
func (m *Mailbox) ListCandidates(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""
	for int64(len(ids)) < m.maxResults {
		call := m.svc.Users.Messages.List(user).
			LabelIds(LabelInbox).
			MaxResults(min(m.pageSize, m.maxResults-int64(len(ids)))).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, wrap("list messages", err)
		}
		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

// Fetch returns a complete message with its decoded body.
func (m *Mailbox) Fetch(ctx context.Context, id string) (*types.Message, error) {
	msg, err := m.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrap("get message "+id, err)
	}
	out := toMessage(msg)
	if msg.Payload != nil {
		out.Body = extractBody(msg.Payload)
	}
	return out, nil
}

// List returns one page of messages with metadata only. An empty label lists
// all mail.
func (m *Mailbox) List(ctx context.Context, label string, maxResults int64, pageToken string) (*types.MessagePage, error) {
	call := m.svc.Users.Messages.List(user).MaxResults(maxResults).Context(ctx)
	if label != "" {
		call = call.LabelIds(label)
	}
	if label == LabelTrash {
		call = call.IncludeSpamTrash(true)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, wrap("list messages", err)
	}

	page := &types.MessagePage{NextPageToken: resp.NextPageToken}
	for _, ref := range resp.Messages {
		detail, err := m.svc.Users.Messages.Get(user, ref.Id).
			Format("metadata").
			MetadataHeaders("From", "To", "Subject", "Date").
			Context(ctx).
			Do()
		if err != nil {
			if werr := wrap("get message "+ref.Id, err); IsAuthExpired(werr) {
				return nil, werr
			}
			// Skip individual message failures.
			continue
		}
		page.Messages = append(page.Messages, *toMessage(detail))
	}
	return page, nil
}

// Quarantine moves a message to trash.
func (m *Mailbox) Quarantine(ctx context.Context, id string) error {
	if _, err := m.svc.Users.Messages.Trash(user, id).Context(ctx).Do(); err != nil {
		return wrap("trash message "+id, err)
	}
	return nil
}

// Restore moves a message out of trash.
func (m *Mailbox) Restore(ctx context.Context, id string) error {
	if _, err := m.svc.Users.Messages.Untrash(user, id).Context(ctx).Do(); err != nil {
		return wrap("untrash message "+id, err)
	}
	return nil
}

// Delete permanently removes a message.
func (m *Mailbox) Delete(ctx context.Context, id string) error {
	if err := m.svc.Users.Messages.Delete(user, id).Context(ctx).Do(); err != nil {
		return wrap("delete message "+id, err)
	}
	return nil
}

// SetStarred adds or removes the STARRED label.
func (m *Mailbox) SetStarred(ctx context.Context, id string, on bool) error {
	return m.setLabel(ctx, id, LabelStarred, on)
}

// SetFlagged adds or removes the IMPORTANT label.
func (m *Mailbox) SetFlagged(ctx context.Context, id string, on bool) error {
	return m.setLabel(ctx, id, LabelImportant, on)
}

func (m *Mailbox) setLabel(ctx context.Context, id, label string, on bool) error {
	req := &gm.ModifyMessageRequest{}
	if on {
		req.AddLabelIds = []string{label}
	} else {
		req.RemoveLabelIds = []string{label}
	}
	if _, err := m.svc.Users.Messages.Modify(user, id, req).Context(ctx).Do(); err != nil {
		return wrap("modify message "+id, err)
	}
	return nil
}

// Send composes a plain-text message and sends it. It returns the new
// message id.
func (m *Mailbox) Send(ctx context.Context, from, to, subject, body string) (string, error) {
	raw, err := BuildRaw(from, to, subject, body)
	if err != nil {
		return "", err
	}
	sent, err := m.svc.Users.Messages.Send(user, &gm.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", wrap("send message", err)
	}
	return sent.Id, nil
}

// BuildRaw renders an RFC 5322 message in the base64url form the API expects.
func BuildRaw(from, to, subject, body string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("build message: recipient is required")
	}
	b := enmime.Builder().
		To("", to).
		Subject(defaultStr(subject, "(no subject)")).
		Text([]byte(body))
	if from != "" {
		b = b.From("", from)
	} else {
		b = b.From("", "me@localhost")
	}
	part, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func toMessage(msg *gm.Message) *types.Message {
	var headers map[string]string
	if msg.Payload != nil {
		headers = headerMap(msg.Payload.Headers)
	}
	out := &types.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Sender:   headers["From"],
		To:       headers["To"],
		Subject:  headers["Subject"],
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	return out
}

// wrap maps API failures onto package errors. A 401 from the API and an
// invalid_grant from the token endpoint both mean the session is over.
func wrap(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %w", op, ErrAuthExpired, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && isGrantFailure(rerr) {
		return fmt.Errorf("%s: %w: %w", op, ErrAuthExpired, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isGrantFailure(rerr *oauth2.RetrieveError) bool {
	if rerr.ErrorCode == "invalid_grant" {
		return true
	}
	if rerr.Response == nil {
		return false
	}
	return rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized
}

// IsAuthExpired reports whether err means the user must sign in again.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// extractBody gets the plain text body from a message payload.
// Handles multipart messages recursively, preferring text/plain over text/html.
func extractBody(payload *gm.MessagePart) string {
	if payload.Body != nil && payload.Body.Data != "" && !strings.HasPrefix(payload.MimeType, "multipart/") {
		if decoded, err := decodeBase64URL(payload.Body.Data); err == nil {
			return decoded
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
		if len(part.Parts) > 0 {
			if body := extractBody(part); body != "" {
				return body
			}
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
	}

	return ""
}

// headerMap converts Gmail API headers into a simple key-value map.
func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Name] = h.Value
	}
	return m
}

// decodeBase64URL decodes Gmail's base64url-encoded content.
func decodeBase64URL(data string) (string, error) {
	// Gmail uses URL-safe base64, sometimes without padding.
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
