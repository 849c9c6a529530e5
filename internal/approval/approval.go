// Package approval implements the human-in-the-loop gate: externally
// visible actions are proposed as approval-request items, decided by a
// file move, and executed only once the item sits in Approved/.
package approval

import (
	"time"

	"github.com/google/uuid"

	"workvault/internal/vault"
)

// Action tags what an approved request executes. The set is closed: every
// action an agent may propose is declared here and has a registered
// handler.
type Action string

const (
	ActionSendEmail     Action = "send_email"
	ActionPostSocial    Action = "post_social"
	ActionCreateInvoice Action = "create_invoice"
	ActionStartLoop     Action = "start_loop"
)

// Actions lists every known action tag.
func Actions() []Action {
	return []Action{ActionSendEmail, ActionPostSocial, ActionCreateInvoice, ActionStartLoop}
}

// ParseAction maps a header tag to a known action.
func ParseAction(s string) (Action, bool) {
	for _, a := range Actions() {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

const requestType = "approval_request"

// NewRequest builds an approval-request item proposing an action. The
// request carries the source task it came from, an expiry, and a
// correlation id tying the proposal to its eventual execution.
func NewRequest(action Action, sourceTask, summary, body string, now time.Time, expiry time.Duration) vault.Item {
	h := vault.Header{
		Type:          requestType,
		Action:        string(action),
		SourceTask:    sourceTask,
		CorrelationID: uuid.NewString(),
		Created:       now.UTC().Format(time.RFC3339),
	}
	if expiry > 0 {
		h.Expires = now.UTC().Add(expiry).Format(time.RFC3339)
	}
	return vault.Item{
		Name:   vault.ItemName("APPROVAL_"+string(action), now, summary),
		Header: h,
		Body:   body,
	}
}

// IsRequest reports whether an item is an approval request.
func IsRequest(it vault.Item) bool {
	return it.Header.Type == requestType
}

// Expired reports whether a request's expiry has passed. Requests without
// an expiry, or with one that does not parse, never expire.
func Expired(it vault.Item, now time.Time) bool {
	if it.Header.Expires == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339, it.Header.Expires)
	if err != nil {
		return false
	}
	return now.After(ts)
}
