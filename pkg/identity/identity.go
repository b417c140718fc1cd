// Package identity computes deterministic task identity hashes used to
// deduplicate equivalent task-creation requests.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Hasher computes a task's identity hash. The default is a SHA-256 digest
// over a canonical JSON serialization of the request identity; alternative
// implementations can be injected where a different dedup key is needed.
type Hasher interface {
	Hash(req *workflow.TaskRequest) (string, error)
}

// SHA256Hasher is the default Hasher.
type SHA256Hasher struct{}

// NewHasher returns the default SHA-256 hasher.
func NewHasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

// Hash implements Hasher. Two requests hash identically iff they share the
// template identity triple, a semantically equal context, the initiator, and
// the source system. The reason and tags are advisory metadata and excluded.
func (*SHA256Hasher) Hash(req *workflow.TaskRequest) (string, error) {
	ref := req.Ref()

	canonicalCtx, err := Canonicalize(req.Context)
	if err != nil {
		return "", fmt.Errorf("canonicalizing context: %w", err)
	}

	var b strings.Builder
	b.WriteString(ref.Namespace)
	b.WriteByte(0)
	b.WriteString(ref.Name)
	b.WriteByte(0)
	b.WriteString(ref.Version)
	b.WriteByte(0)
	b.WriteString(canonicalCtx)
	b.WriteByte(0)
	b.WriteString(req.Initiator)
	b.WriteByte(0)
	b.WriteString(req.SourceSystem)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize renders JSON with object keys sorted recursively and no
// insignificant whitespace, so semantically equal documents serialize
// byte-identically. Empty input canonicalizes to "null".
func Canonicalize(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(enc)
	}
	return nil
}
