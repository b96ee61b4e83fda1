// Package fingerprint computes stable content digests over an entity's
// synchronizable fields, used to detect change without full-field diffing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind selects the normalization applied to a field value before hashing.
type Kind string

const (
	// KindText trims surrounding whitespace.
	KindText Kind = "text"

	// KindEmail trims and lower-cases.
	KindEmail Kind = "email"

	// KindTimestamp parses RFC 3339 and truncates to the second in UTC, so
	// sub-second formatting differences between stores do not register as
	// change.
	KindTimestamp Kind = "timestamp"
)

// Hasher fingerprints one entity type's field set. Construction fails for a
// field with an unknown normalization kind; a misconfigured rule set must
// never surface at hash time.
type Hasher struct {
	rules map[string]Kind
}

func New(rules map[string]Kind) (*Hasher, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("fingerprint: empty rule set")
	}
	for field, kind := range rules {
		switch kind {
		case KindText, KindEmail, KindTimestamp:
		default:
			return nil, fmt.Errorf("fingerprint: field %q has unknown normalization kind %q", field, kind)
		}
	}
	copied := make(map[string]Kind, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Hasher{rules: copied}, nil
}

// Fields returns the sorted field names this hasher covers.
func (h *Hasher) Fields() []string {
	names := make([]string, 0, len(h.rules))
	for name := range h.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sum returns the hex digest over the configured field set. Fields present
// in the map but absent from the rule set (internal row versioning and other
// metadata) are ignored; fields in the rule set but absent from the map hash
// as empty. The result is deterministic and independent of map iteration
// order.
func (h *Hasher) Sum(fields map[string]string) string {
	sum := sha256.New()
	for _, name := range h.Fields() {
		value := h.normalize(name, fields[name])
		sum.Write([]byte(name))
		sum.Write([]byte{0})
		sum.Write([]byte(value))
		sum.Write([]byte{0x1f})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// FieldDigests returns a per-field digest map, the basis for recovering
// which fields changed between two snapshots.
func (h *Hasher) FieldDigests(fields map[string]string) map[string]string {
	out := make(map[string]string, len(h.rules))
	for name := range h.rules {
		value := h.normalize(name, fields[name])
		digest := sha256.Sum256([]byte(value))
		out[name] = hex.EncodeToString(digest[:8])
	}
	return out
}

// ChangedFields returns the names of fields whose digests differ between a
// stored digest map and a fresh snapshot, sorted for stable output. A nil
// stored map (pair never reconciled) reports every non-empty field as
// changed.
func (h *Hasher) ChangedFields(stored map[string]string, fields map[string]string) []string {
	fresh := h.FieldDigests(fields)
	var changed []string
	for name, digest := range fresh {
		if stored == nil {
			if h.normalize(name, fields[name]) != "" {
				changed = append(changed, name)
			}
			continue
		}
		if stored[name] != digest {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func (h *Hasher) normalize(name, value string) string {
	switch h.rules[name] {
	case KindEmail:
		return strings.ToLower(strings.TrimSpace(value))
	case KindTimestamp:
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
		if err != nil {
			// Not parseable as a timestamp; hash the trimmed raw value so
			// malformed data still produces a stable digest.
			return strings.TrimSpace(value)
		}
		return ts.UTC().Truncate(time.Second).Format(time.RFC3339)
	default:
		return strings.TrimSpace(value)
	}
}
