package engine

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// ApprovalCache remembers per-session user approvals keyed by fingerprint.
// No persistence: a fresh cache is created per session.
type ApprovalCache struct {
	mu       sync.Mutex
	approved map[string]struct{}
}

// NewApprovalCache returns an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{approved: make(map[string]struct{})}
}

// Contains reports whether fingerprint fp has been approved this session.
func (c *ApprovalCache) Contains(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.approved[fp]
	return ok
}

// Add records fp as approved for the rest of the session.
func (c *ApprovalCache) Add(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approved[fp] = struct{}{}
}

// RevokeAll clears every remembered approval (user command or new session).
func (c *ApprovalCache) RevokeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approved = make(map[string]struct{})
}

// Fingerprint computes the approval fingerprint for one call: the tool
// name plus whatever the tool's ApprovalKey derives from its arguments. A
// tool with no declared ApprovalKey gets the default: deterministic JSON
// of the arguments with sorted keys (spec.md §4.7).
func Fingerprint(def ToolDefinition, argumentsJSON json.RawMessage) string {
	key := def.ApprovalKey
	if key == nil {
		key = defaultApprovalKey
	}
	return def.Name + "\x00" + key(argumentsJSON)
}

// defaultApprovalKey re-serializes arguments as JSON with sorted object
// keys so semantically identical argument sets fingerprint the same way
// regardless of the model's emitted key order.
func defaultApprovalKey(argumentsJSON json.RawMessage) string {
	var v any
	if err := json.Unmarshal(argumentsJSON, &v); err != nil {
		return string(argumentsJSON)
	}
	var b strings.Builder
	writeSorted(&b, v)
	return b.String()
}

func writeSorted(b *strings.Builder, v any) {
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
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeSorted(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeSorted(b, e)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	}
}
