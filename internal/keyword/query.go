package keyword

import (
	"fmt"
	"strings"
)

// Hash fields indexed by RediSearch.
const (
	fieldID          = "id"
	fieldText        = "text"
	fieldNamespaceID = "namespaceId"
	fieldTenantID    = "tenantId"
	fieldDocumentID  = "documentId"
	fieldMetadata    = "metadata"
)

// noTenant is stored in the tenant tag of partitions without a tenant.
// EncodeID never yields a lone underscore.
const noTenant = "_"

// escapeQuery backslash-escapes RediSearch punctuation and whitespace so
// the value is matched literally.
func escapeQuery(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '_' || r > 127 || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('\\')
		b.WriteRune(r)
	}
	return b.String()
}

// tagValue is the stored and queried form of a tag: the encoded id.
func tagValue(s string) string {
	return escapeQuery(EncodeID(s))
}

func tenantTag(tenantID string) string {
	if tenantID == "" {
		return noTenant
	}
	return EncodeID(tenantID)
}

// buildQuery assembles the native query string: the grouped partition
// scoping tags, an optional document id tag, the escaped full-text terms,
// and an optional raw RediSearch clause in its own group.
func buildQuery(namespaceID, tenantID string, documentIDs []string, text, raw string) (string, error) {
	parts := []string{
		"(@" + fieldNamespaceID + ":{" + tagValue(namespaceID) + "} @" +
			fieldTenantID + ":{" + escapeQuery(tenantTag(tenantID)) + "})",
	}
	if len(documentIDs) > 0 {
		tags := make([]string, len(documentIDs))
		for i, id := range documentIDs {
			tags[i] = tagValue(id)
		}
		parts = append(parts, "@"+fieldDocumentID+":{"+strings.Join(tags, "|")+"}")
	}
	if terms := strings.Fields(text); len(terms) > 0 {
		escaped := make([]string, len(terms))
		for i, t := range terms {
			escaped[i] = escapeQuery(t)
		}
		parts = append(parts, "@"+fieldText+":("+strings.Join(escaped, " | ")+")")
	}
	if raw = strings.TrimSpace(raw); raw != "" {
		if err := checkBalanced(raw); err != nil {
			return "", fmt.Errorf("%w: filter clause %w", ErrInvalidRequest, err)
		}
		parts = append(parts, "("+raw+")")
	}
	return strings.Join(parts, " "), nil
}

var closers = map[rune]rune{')': '(', '}': '{', ']': '['}

// checkBalanced rejects a raw clause whose brackets do not pair up, since
// it could otherwise close the group it is placed in. Escaped runes and
// quoted phrases are skipped.
func checkBalanced(raw string) error {
	var (
		open    []rune
		escaped bool
		quoted  bool
	)
	for i, r := range raw {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '(' || r == '{' || r == '[':
			open = append(open, r)
		case closers[r] != 0:
			if len(open) == 0 || open[len(open)-1] != closers[r] {
				return fmt.Errorf("has unbalanced %q at offset %d", r, i)
			}
			open = open[:len(open)-1]
		}
	}
	switch {
	case escaped:
		return fmt.Errorf("ends in an escape")
	case quoted:
		return fmt.Errorf("has an unterminated quote")
	case len(open) > 0:
		return fmt.Errorf("leaves %q unclosed", open[len(open)-1])
	}
	return nil
}
