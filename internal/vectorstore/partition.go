package vectorstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// collectionNamePattern validates Qdrant and embedded collection names.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// hashSuffixLen is the number of hex characters of the SHA-256 digest
// appended to hashed names.
const hashSuffixLen = 16

// PartitionNamer derives a backend-native partition name from a Partition.
// Naming is a pure function and injective: equal partitions always yield
// equal names, distinct partitions never share one, and names never exceed
// MaxLen.
//
// Identifiers that survive sanitizing unchanged and do not contain Reserved
// are used verbatim. Anything else, and any name over MaxLen, gets a
// readable stem followed by two Reserved runes and a digest of the raw
// pair. Verbatim names never contain two adjacent Reserved runes, so the
// two forms cannot meet.
type PartitionNamer struct {
	// Prefix is prepended to every name.
	Prefix string

	// TenantSeparator joins the namespace and tenant ids. It contains
	// Reserved.
	TenantSeparator string

	// Reserved may not appear in a verbatim identifier.
	Reserved rune

	// Lowercase folds identifiers before sanitizing.
	Lowercase bool

	// Allowed reports whether a rune may appear verbatim. Other runes are
	// replaced with '_'.
	Allowed func(r rune) bool

	// MaxLen is the backend's name length limit.
	MaxLen int
}

var (
	qdrantNamer = PartitionNamer{
		Prefix:          "ns_",
		TenantSeparator: "_t_",
		Reserved:        '_',
		Lowercase:       true,
		Allowed:         isLowerAlnumUnderscore,
		MaxLen:          64,
	}
	embeddedNamer = qdrantNamer
	pineconeNamer = PartitionNamer{
		TenantSeparator: ":",
		Reserved:        ':',
		Allowed:         func(r rune) bool { return r > 0x20 && r < 0x7f },
		MaxLen:          256,
	}
	turbopufferNamer = PartitionNamer{
		Prefix:          "ns_",
		TenantSeparator: "_t_",
		Reserved:        '_',
		Allowed: func(r rune) bool {
			return isLowerAlnumUnderscore(r) || (r >= 'A' && r <= 'Z') || r == '-' || r == '.'
		},
		MaxLen: 128,
	}
)

func isLowerAlnumUnderscore(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}

// Name returns the native partition name.
func (n PartitionNamer) Name(p Partition) string {
	var b strings.Builder
	b.WriteString(n.Prefix)
	b.WriteString(n.sanitize(p.NamespaceID))
	if p.TenantID != "" {
		b.WriteString(n.TenantSeparator)
		b.WriteString(n.sanitize(p.TenantID))
	}
	stem := b.String()
	if len(stem) <= n.MaxLen && n.verbatim(p.NamespaceID) && (p.TenantID == "" || n.verbatim(p.TenantID)) {
		return stem
	}

	marker := strings.Repeat(string(n.Reserved), 2)
	if keep := n.MaxLen - len(marker) - hashSuffixLen; len(stem) > keep {
		stem = stem[:keep]
	}
	return strings.TrimRight(stem, string(n.Reserved)) + marker + partitionDigest(p)
}

func (n PartitionNamer) verbatim(id string) bool {
	return id != "" && n.sanitize(id) == id && !strings.ContainsRune(id, n.Reserved)
}

// partitionDigest hashes the raw identifiers, length-prefixed so that the
// boundary between them is unambiguous.
func partitionDigest(p Partition) string {
	h := sha256.New()
	for _, id := range []string{p.NamespaceID, p.TenantID} {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(id)))
		h.Write(size[:])
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:hashSuffixLen]
}

func (n PartitionNamer) sanitize(s string) string {
	if n.Lowercase {
		s = strings.ToLower(s)
	}
	if n.Allowed == nil {
		return s
	}
	return strings.Map(func(r rune) rune {
		if n.Allowed(r) {
			return r
		}
		return '_'
	}, s)
}
