// Package ids derives and validates the content-addressed identifiers used
// throughout the engine: document ids and the composite chunk point ids.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MakeDocID returns the lower-hex SHA-256 digest of content. Two documents
// with identical bytes always collapse to the same id.
func MakeDocID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// MakeContentHash is the same digest used for chunk content and for the
// embedding cache key (internal/embedding).
func MakeContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// IsValidDocID reports whether s is a well-formed 64-char lower-hex digest.
func IsValidDocID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// MakePointID builds the composite "docId#chunkIndex" primary key shared by
// the metadata store and the vector store. It rejects malformed inputs so
// callers cannot persist a point id they could not later parse back.
func MakePointID(docID string, chunkIndex int) (string, error) {
	if !IsValidDocID(docID) {
		return "", fmt.Errorf("ids: invalid docId %q", docID)
	}
	if chunkIndex < 0 {
		return "", fmt.Errorf("ids: negative chunkIndex %d", chunkIndex)
	}
	return docID + "#" + strconv.Itoa(chunkIndex), nil
}

// ParsePointID is the strict inverse of MakePointID.
func ParsePointID(pointID string) (docID string, chunkIndex int, err error) {
	idx := strings.LastIndexByte(pointID, '#')
	if idx < 0 {
		return "", 0, fmt.Errorf("ids: malformed pointId %q: missing '#'", pointID)
	}
	docID = pointID[:idx]
	if !IsValidDocID(docID) {
		return "", 0, fmt.Errorf("ids: malformed pointId %q: invalid docId part", pointID)
	}
	rest := pointID[idx+1:]
	if rest == "" {
		return "", 0, fmt.Errorf("ids: malformed pointId %q: missing chunk index", pointID)
	}
	n, convErr := strconv.Atoi(rest)
	if convErr != nil || n < 0 {
		return "", 0, fmt.Errorf("ids: malformed pointId %q: bad chunk index %q", pointID, rest)
	}
	return docID, n, nil
}
