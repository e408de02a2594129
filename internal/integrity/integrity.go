// Package integrity provides tamper-evident hashing for the AI output audit
// log. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
)

const hashPrefix = "v1:"

// ContentHash produces a versioned SHA-256 hex digest over the fields of an
// audit record that are stored verbatim. parsed_output is excluded because
// JSONB normalises whitespace and key order on write.
func ContentHash(o model.AIOutput) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // fields are bounded by MaxComplaintTextLen and MaxPromptLen
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(o.ID.String())
	writeField(o.TenantID.String())
	writeField(optUUID(o.ComplaintID))
	writeField(optUUID(o.ClusterID))
	writeField(string(o.OutputType))
	writeField(o.Model)
	writeField(o.Prompt)
	writeField(o.RawOutput)
	if o.Confidence != nil {
		writeField(strconv.FormatFloat(*o.Confidence, 'f', 10, 64))
	} else {
		writeField("")
	}
	writeField(optString(o.Reasoning))
	writeField(strconv.FormatBool(o.WasEdited))
	writeField(optUUID(o.SupersedesID))
	writeField(optString(o.EditedBy))
	writeField(optString(o.CorrectionNote))
	writeField(o.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether a record's stored hash matches its fields.
// Records without a hash predate hashing and never verify.
func Verify(o model.AIOutput) bool {
	if !strings.HasPrefix(o.ContentHash, hashPrefix) {
		return false
	}
	return o.ContentHash == ContentHash(o)
}

// AuditRoot returns the Merkle root over the stored hashes of a complaint's
// audit records. It changes if any record is altered, removed or inserted.
func AuditRoot(outputs []model.AIOutput) string {
	leaves := make([]string, 0, len(outputs))
	for _, o := range outputs {
		leaves = append(leaves, o.ContentHash)
	}
	sort.Strings(leaves)
	return BuildMerkleRoot(leaves)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The prefix
// separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from sorted leaf hashes and
// returns the root. An empty input yields "", a single leaf is its own root,
// and an odd node at any level is paired with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

func optUUID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
