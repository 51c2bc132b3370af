package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SignaturePrefix precedes the hex HMAC in X-Hub-Signature-256 and in
// Cursor's X-Webhook-Signature.
const SignaturePrefix = "sha256="

// ErrBadSignature is returned when a webhook signature is missing or wrong.
var ErrBadSignature = errors.New("github: webhook signature mismatch")

// Sign returns the "sha256=<hex>" HMAC of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of payload in constant time.
func VerifySignature(secret string, payload []byte, header string) error {
	if header == "" {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(Sign(secret, payload)), []byte(header)) {
		return ErrBadSignature
	}
	return nil
}

// commandPattern matches a worker invocation such as "--codee/triage".
var commandPattern = regexp.MustCompile(`--codee/(\S+)`)

// ErrNoCommand means the comment does not invoke a worker.
var ErrNoCommand = errors.New("github: comment has no codee command")

// IssueCommand is a worker invocation parsed from an issue comment.
type IssueCommand struct {
	InstallationID int64
	Repository     string
	Slug           string
	IssueTitle     string
	IssueBody      string
}

type issueCommentEvent struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Issue *struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"issue"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// ParseIssueCommand extracts a worker invocation from an issue_comment
// payload. Comments on other actions or without "--codee" return
// ErrNoCommand. A "--codee" marker without a slug, or a payload missing its
// issue, repository or installation, is an error.
func ParseIssueCommand(payload []byte) (IssueCommand, error) {
	var ev issueCommentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return IssueCommand{}, fmt.Errorf("github: decode issue_comment: %w", err)
	}
	if ev.Action != "created" || !strings.Contains(ev.Comment.Body, "--codee") {
		return IssueCommand{}, ErrNoCommand
	}
	m := commandPattern.FindStringSubmatch(ev.Comment.Body)
	if m == nil {
		return IssueCommand{}, errors.New("github: missing worker slug")
	}
	if ev.Issue == nil || ev.Repository == nil || ev.Repository.FullName == "" {
		return IssueCommand{}, errors.New("github: missing repository or issue")
	}
	if ev.Installation == nil || ev.Installation.ID == 0 {
		return IssueCommand{}, errors.New("github: missing installation")
	}
	return IssueCommand{
		InstallationID: ev.Installation.ID,
		Repository:     ev.Repository.FullName,
		Slug:           m[1],
		IssueTitle:     ev.Issue.Title,
		IssueBody:      ev.Issue.Body,
	}, nil
}
