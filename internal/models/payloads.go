package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Reply bodies sent back to the requester.
const (
	ReplyAccepted = "Accepted."
)

// DocsetMessage is the JSON envelope accepted on the inbound queue as an
// alternative to a bare identifier.
type DocsetMessage struct {
	Docset string `json:"docset"`
}

// PubSubMessage is the data carried by a Pub/Sub CloudEvent.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DocsetRequest is one packaging job.
type DocsetRequest struct {
	Docset  string
	ReplyTo string
}

// ParseDocsetRequest reads an inbound payload, either a bare identifier or a
// DocsetMessage, and derives the reply destination from it.
func ParseDocsetRequest(payload []byte, replyPrefix string) (DocsetRequest, error) {
	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") {
		var msg DocsetMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return DocsetRequest{}, fmt.Errorf("failed to decode docset message: %w", err)
		}
		raw = strings.TrimSpace(msg.Docset)
	}
	if raw == "" {
		return DocsetRequest{}, fmt.Errorf("empty docset identifier")
	}
	return DocsetRequest{Docset: raw, ReplyTo: ReplyDestination(raw, replyPrefix)}, nil
}

// ReplyDestination is the prefix followed by the identifier's last path
// segment, with any query string removed. Characters that would split or
// wildcard a NATS subject are replaced with '_'.
func ReplyDestination(docset, prefix string) string {
	id := docset
	if i := strings.IndexAny(id, "?#"); i >= 0 {
		id = id[:i]
	}
	id = strings.TrimRight(id, "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return prefix + strings.Map(subjectSafe, id)
}

func subjectSafe(r rune) rune {
	if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
		return '_'
	}
	return r
}

// PackageResult describes an uploaded archive.
type PackageResult struct {
	ObjectName string
	URL        string
	Size       int64
}

// CompletionReply is the reply body for a successful job.
func (r PackageResult) CompletionReply() string {
	return fmt.Sprintf("Complete: %s\nSize: %d", r.URL, r.Size)
}

// FailureReply is the optional reply body for a failed job.
func FailureReply(docset string) string {
	return "Failed: " + docset
}
