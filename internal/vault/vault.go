package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound signals an item that is not in the expected bucket.
	ErrNotFound = errors.New("not found")
	// ErrExists signals a create collision. Names embed a timestamp and a
	// discriminator, so a collision means broken name generation, not a race.
	ErrExists = errors.New("item already exists")
	// ErrNotClaimed signals a lost claim race. The item was taken by another
	// agent between listing and rename; this is an expected outcome.
	ErrNotClaimed = errors.New("item not claimed")
)

// Lifecycle buckets. In_Progress holds one sub-bucket per agent.
const (
	NeedsAction     = "Needs_Action"
	InProgress      = "In_Progress"
	PendingApproval = "Pending_Approval"
	Approved        = "Approved"
	Rejected        = "Rejected"
	Scheduled       = "Scheduled"
	Signals         = "Signals"
	Done            = "Done"
	Logs            = "Logs"
	Inbox           = "Inbox"
	Updates         = "Updates"
	Outbox          = "Outbox"
	Invoices        = "Invoices"
	LoopState       = "Loop_State"
)

var buckets = []string{
	NeedsAction, InProgress, PendingApproval, Approved, Rejected,
	Scheduled, Signals, Done, Logs, Inbox, Updates, Outbox, Invoices,
	LoopState,
}

// Vault is a work-item store rooted at a directory. All methods address
// items by bucket + file name; the only cross-bucket mutation is rename.
type Vault struct {
	Root string
}

// Open returns a vault rooted at dir. It does not create anything.
func Open(dir string) *Vault {
	return &Vault{Root: dir}
}

// EnsureLayout creates the root and every lifecycle bucket.
func (v *Vault) EnsureLayout() error {
	for _, b := range buckets {
		if err := os.MkdirAll(filepath.Join(v.Root, b), 0o755); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", b, err)
		}
	}
	return nil
}

// AgentBucket returns the In_Progress sub-bucket for an agent, creating it
// on first use.
func (v *Vault) AgentBucket(agentID string) (string, error) {
	b := filepath.Join(InProgress, agentID)
	if err := os.MkdirAll(filepath.Join(v.Root, b), 0o755); err != nil {
		return "", fmt.Errorf("ensure agent bucket: %w", err)
	}
	return b, nil
}

// Path returns the absolute path of an item within a bucket.
func (v *Vault) Path(bucket, name string) string {
	return filepath.Join(v.Root, bucket, name)
}

// Create writes a new item into a bucket. The create is exclusive: an
// existing file with the same name yields ErrExists.
func (v *Vault) Create(bucket string, it Item) error {
	data, err := it.Encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(v.Path(bucket, it.Name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("create %s/%s: %w", bucket, it.Name, ErrExists)
		}
		return fmt.Errorf("create %s/%s: %w", bucket, it.Name, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("create %s/%s: %w", bucket, it.Name, err)
	}
	return nil
}

// Read loads and parses an item from a bucket.
func (v *Vault) Read(bucket, name string) (Item, error) {
	raw, err := os.ReadFile(v.Path(bucket, name))
	if err != nil {
		if os.IsNotExist(err) {
			return Item{}, fmt.Errorf("read %s/%s: %w", bucket, name, ErrNotFound)
		}
		return Item{}, fmt.Errorf("read %s/%s: %w", bucket, name, err)
	}
	return ParseItem(name, raw)
}

// List returns the markdown item names in a bucket, sorted. A missing
// bucket lists as empty.
func (v *Vault) List(bucket string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(v.Root, bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Move renames an item between buckets. The rename is atomic; a missing
// source yields ErrNotFound.
func (v *Vault) Move(fromBucket, name, toBucket string) error {
	err := os.Rename(v.Path(fromBucket, name), v.Path(toBucket, name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("move %s/%s: %w", fromBucket, name, ErrNotFound)
		}
		return fmt.Errorf("move %s/%s to %s: %w", fromBucket, name, toBucket, err)
	}
	return nil
}

// Rewrite replaces an item's content in place. Only valid while the caller
// is the exclusive owner of the bucket (its In_Progress sub-bucket or a
// single-writer bucket such as Signals).
func (v *Vault) Rewrite(bucket string, it Item) error {
	data, err := it.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(v.Path(bucket, it.Name), data, 0o644); err != nil {
		return fmt.Errorf("rewrite %s/%s: %w", bucket, it.Name, err)
	}
	return nil
}

// Archive moves an item from a bucket into Done.
func (v *Vault) Archive(bucket, name string) error {
	return v.Move(bucket, name, Done)
}

// Counts returns the item count per lifecycle bucket.
func (v *Vault) Counts() (map[string]int, error) {
	out := make(map[string]int, len(buckets))
	for _, b := range buckets {
		names, err := v.List(b)
		if err != nil {
			return nil, err
		}
		out[b] = len(names)
	}
	return out, nil
}
