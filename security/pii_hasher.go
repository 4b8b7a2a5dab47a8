package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// PIIHasher replaces actor attributes with keyed hashes. Each project gets
// its own derived key, so equal emails in two projects never hash alike.
type PIIHasher struct {
	master []byte
}

func NewPIIHasher(masterKey []byte) (*PIIHasher, error) {
	if len(strings.TrimSpace(string(masterKey))) == 0 {
		return nil, fmt.Errorf("security: pii master key is required")
	}
	master := make([]byte, len(masterKey))
	copy(master, masterKey)
	return &PIIHasher{master: master}, nil
}

// HashActor returns a new map holding only <field>_hash entries. Empty
// values are dropped. Keys already ending in _hash are passed through.
func (h *PIIHasher) HashActor(projectID string, actor map[string]string) (map[string]string, error) {
	if h == nil {
		return nil, fmt.Errorf("security: pii hasher is nil")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("security: project id is required for pii hashing")
	}
	out := make(map[string]string, len(actor))
	if len(actor) == 0 {
		return out, nil
	}
	key := h.projectKey(projectID)
	fields := make([]string, 0, len(actor))
	for field := range actor {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		name := strings.ToLower(strings.TrimSpace(field))
		if name == "" {
			continue
		}
		if strings.HasSuffix(name, "_hash") {
			out[name] = actor[field]
			continue
		}
		value := NormalizePII(name, actor[field])
		if value == "" {
			continue
		}
		out[name+"_hash"] = keyedHash(key, value)
	}
	return out, nil
}

// Hash hashes a single normalized value for lookups such as dedup by email.
func (h *PIIHasher) Hash(projectID string, field string, value string) string {
	if h == nil {
		return ""
	}
	normalized := NormalizePII(field, value)
	if normalized == "" {
		return ""
	}
	return keyedHash(h.projectKey(strings.TrimSpace(projectID)), normalized)
}

func (h *PIIHasher) projectKey(projectID string) []byte {
	mac := hmac.New(sha256.New, h.master)
	mac.Write([]byte(projectID))
	return mac.Sum(nil)
}

// NormalizePII lower-cases emails and keeps only digits for phone numbers.
// Other fields are trimmed and lower-cased.
func NormalizePII(field string, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	field = strings.ToLower(strings.TrimSpace(field))
	switch {
	case strings.Contains(field, "phone"):
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, value)
	default:
		return strings.ToLower(value)
	}
}

func keyedHash(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
