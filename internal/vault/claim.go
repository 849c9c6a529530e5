package vault

import (
	"fmt"
	"os"
	"time"
)

// Outcome is the terminal result of working a claimed item.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// ClaimedItem is an item an agent holds exclusively in its In_Progress
// sub-bucket.
type ClaimedItem struct {
	Item
	AgentID string
	bucket  string
	vault   *Vault
}

// Claim takes an item from an intake bucket into In_Progress/<agent>/ with a
// single atomic rename. A racing agent that renames first wins; the loser
// observes the vanished source and gets ErrNotClaimed.
func (v *Vault) Claim(agentID, fromBucket, name string) (*ClaimedItem, error) {
	dest, err := v.AgentBucket(agentID)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(v.Path(fromBucket, name), v.Path(dest, name)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("claim %s/%s: %w", fromBucket, name, ErrNotClaimed)
		}
		return nil, fmt.Errorf("claim %s/%s: %w", fromBucket, name, err)
	}
	it, err := v.Read(dest, name)
	if err != nil {
		return nil, err
	}
	// The file now belongs exclusively to this agent, so stamping the claim
	// into the header is a single-writer update. Best effort: a stamp
	// failure does not undo the claim.
	it.Header.ClaimedBy = agentID
	it.Header.ClaimedAt = time.Now().UTC().Format(time.RFC3339)
	if err := v.Rewrite(dest, it); err != nil {
		return nil, err
	}
	return &ClaimedItem{Item: it, AgentID: agentID, bucket: dest, vault: v}, nil
}

// Release finishes a claim: done archives the item, failed returns it to
// the intake bucket it came from. A failed release clears the claim stamp
// first, so the item re-enters intake claimable by any agent.
func (c *ClaimedItem) Release(outcome Outcome, intakeBucket string) error {
	switch outcome {
	case OutcomeDone:
		return c.vault.Move(c.bucket, c.Name, Done)
	case OutcomeFailed:
		c.Header.ClaimedBy = ""
		c.Header.ClaimedAt = ""
		if err := c.vault.Rewrite(c.bucket, c.Item); err != nil {
			return err
		}
		return c.vault.Move(c.bucket, c.Name, intakeBucket)
	default:
		return fmt.Errorf("release %s: unknown outcome %q", c.Name, outcome)
	}
}

// Bucket returns the agent sub-bucket holding the claimed item.
func (c *ClaimedItem) Bucket() string { return c.bucket }

// Decide records a human decision on a pending approval request by moving
// it to Approved or Rejected.
func (v *Vault) Decide(name string, approve bool) error {
	to := Rejected
	if approve {
		to = Approved
	}
	return v.Move(PendingApproval, name, to)
}
