package vault

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Header is the YAML frontmatter of a work item. Fields the system acts on
// are typed; everything else a producer adds survives round-trips in Extra.
type Header struct {
	Type          string         `yaml:"type,omitempty"`
	Source        string         `yaml:"source,omitempty"`
	Action        string         `yaml:"action,omitempty"`
	SourceTask    string         `yaml:"source_task,omitempty"`
	CorrelationID string         `yaml:"correlation_id,omitempty"`
	Created       string         `yaml:"created,omitempty"`
	Expires       string         `yaml:"expires,omitempty"`
	ClaimedBy     string         `yaml:"claimed_by,omitempty"`
	ClaimedAt     string         `yaml:"claimed_at,omitempty"`
	Extra         map[string]any `yaml:",inline"`
}

// Item is one work item: its file name (identity), parsed header, and body.
type Item struct {
	Name   string
	Header Header
	Body   string
}

const frontmatterDelim = "---"

// ParseItem splits raw file content into frontmatter header and body.
// Content without a frontmatter block parses as an empty header with the
// whole content as body.
func ParseItem(name string, raw []byte) (Item, error) {
	it := Item{Name: name}
	text := string(raw)
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		it.Body = text
		return it, nil
	}
	rest := text[len(frontmatterDelim)+1:]
	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx < 0 {
		return Item{}, fmt.Errorf("parse item %s: unterminated frontmatter", name)
	}
	head := rest[:idx+1]
	body := rest[idx+1+len(frontmatterDelim):]
	body = strings.TrimPrefix(body, "\n")
	if err := yaml.Unmarshal([]byte(head), &it.Header); err != nil {
		return Item{}, fmt.Errorf("parse item %s: %w", name, err)
	}
	it.Body = body
	return it, nil
}

// Encode renders the item back into frontmatter + body form.
func (it Item) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(it.Header); err != nil {
		return nil, fmt.Errorf("encode item %s: %w", it.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode item %s: %w", it.Name, err)
	}
	buf.WriteString(frontmatterDelim + "\n")
	if it.Body != "" {
		buf.WriteString("\n")
		buf.WriteString(it.Body)
		if !strings.HasSuffix(it.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// ItemName builds a unique item file name from a kind prefix, a timestamp,
// and a free-form discriminator, e.g. EMAIL_20260101T093000Z_Quote_request.md.
func ItemName(kind string, ts time.Time, discriminator string) string {
	stamp := ts.UTC().Format("20060102T150405Z")
	disc := sanitizeName(discriminator)
	if disc == "" {
		return fmt.Sprintf("%s_%s.md", kind, stamp)
	}
	return fmt.Sprintf("%s_%s_%s.md", kind, stamp, disc)
}

// Stem returns the item name without its .md extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, ".md")
}

func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == ' ' || r == '.' || r == '/' || r == '_' || r == '@':
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := b.String()
	if len(out) > 60 {
		out = out[:60]
	}
	return strings.Trim(out, "_")
}
