// Package types defines core data structures for smail.
package types

import (
	"strings"
	"time"
)

// Verdict is the outcome of classifying a message.
type Verdict string

// Verdict constants.
const (
	VerdictSafe     Verdict = "safe"
	VerdictPhishing Verdict = "phishing"
)

// IsValid reports whether v is a known verdict.
func (v Verdict) IsValid() bool {
	return v == VerdictSafe || v == VerdictPhishing
}

// Message is a mail item as fetched from the mailbox. It is never modified
// after the adapter returns it.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Sender     string    `json:"sender"`
	To         string    `json:"to,omitempty"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	Body       string    `json:"body,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Labels     []string  `json:"labels,omitempty"`
}

// Text returns the content sent to the classifier: the body, falling back
// to the snippet and then the subject.
func (m *Message) Text() string {
	for _, s := range []string{m.Body, m.Snippet, m.Subject} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// HasLabel reports whether the message carries the given label ID.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// MessagePage is one page of a mailbox listing.
type MessagePage struct {
	Messages      []Message `json:"messages"`
	NextPageToken string    `json:"next_page_token,omitempty"`
}

// Classification is what the classification service returns for a text.
type Classification struct {
	Verdict    Verdict `json:"verdict"`
	Confidence int     `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// ScanRecord is the persisted result of classifying one message. There is at
// most one record per (account, message id) and it is never updated.
type ScanRecord struct {
	Seq        int64     `json:"seq"`
	Account    string    `json:"account"`
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	Verdict    Verdict   `json:"verdict"`
	Confidence int       `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// IsPhishing reports whether the record was flagged.
func (r *ScanRecord) IsPhishing() bool {
	return r.Verdict == VerdictPhishing
}

// Quarantine retry statuses.
const (
	QuarantinePending   = "pending"
	QuarantineMoved     = "moved"
	QuarantineAbandoned = "abandoned"
)

// QuarantineRetry tracks a phishing message whose move to trash failed.
type QuarantineRetry struct {
	Account   string    `json:"account"`
	MessageID string    `json:"message_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuarantineFailure reports a failed move during a pass.
type QuarantineFailure struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// PassResult summarises one scan pass over a mailbox.
type PassResult struct {
	Account            string              `json:"account"`
	Candidates         int                 `json:"candidates"`
	AlreadyScanned     int                 `json:"already_scanned"`
	Scanned            int                 `json:"scanned"`
	Phishing           int                 `json:"phishing"`
	Failed             int                 `json:"failed"`
	Quarantined        int                 `json:"quarantined"`
	RetriedMoves       int                 `json:"retried_moves"`
	AbandonedMoves     int                 `json:"abandoned_moves"`
	Records            []ScanRecord        `json:"records"`
	QuarantineFailures []QuarantineFailure `json:"quarantine_failures,omitempty"`
	StartedAt          time.Time           `json:"started_at"`
	Duration           time.Duration       `json:"duration"`
}

// Threats returns the phishing records created in the pass.
func (p *PassResult) Threats() []ScanRecord {
	var out []ScanRecord
	for _, r := range p.Records {
		if r.IsPhishing() {
			out = append(out, r)
		}
	}
	return out
}

// Session is a logged-in dashboard user and their OAuth token.
type Session struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"-"`
	Expiry       time.Time `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Stats holds per-account verdict counts.
type Stats struct {
	Total    int `json:"total"`
	Safe     int `json:"safe"`
	Phishing int `json:"phishing"`
}

// ThreatSummary is the client-facing shape of a newly flagged message.
type ThreatSummary struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Confidence int       `json:"confidence"`
	IsPhishing bool      `json:"is_phishing"`
	Reason     string    `json:"reason,omitempty"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// NewThreatSummary converts a record for delivery to a client.
func NewThreatSummary(r ScanRecord) ThreatSummary {
	return ThreatSummary{
		ID:         r.MessageID,
		Sender:     r.Sender,
		Subject:    r.Subject,
		Confidence: r.Confidence,
		IsPhishing: r.IsPhishing(),
		Reason:     r.Reason,
		ScannedAt:  r.ScannedAt,
	}
}

// PollResponse is returned by the notification poll endpoint.
type PollResponse struct {
	NewEmails []ThreatSummary `json:"new_emails"`
	Count     int             `json:"count"`
	Cursor    string          `json:"cursor"`
}
