package approver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// Signature computes the content identity of a job: the SHA-256 of the
// RFC 8785 canonical JSON of its normalized {name, description, tags,
// code_files} structure, as lowercase hex.
//
// Normalization: name and description are trimmed, tags are sorted, absent
// tags/description count as empty, and code file content is hashed raw
// (whitespace and newlines are significant). Map and tag ordering in the
// input never affect the result.
func Signature(content JobContent) (string, error) {
	tags := append([]string(nil), content.Tags...)
	sort.Strings(tags)
	if tags == nil {
		tags = []string{}
	}
	files := content.CodeFiles
	if files == nil {
		files = map[string]string{}
	}

	payload := map[string]any{
		"name":        strings.TrimSpace(content.Name),
		"description": strings.TrimSpace(content.Description),
		"tags":        tags,
		"code_files":  files,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode job content: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize job content: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// shortSignature is the 12-char prefix used in log lines and reasons.
func shortSignature(sig string) string {
	if len(sig) <= 12 {
		return sig
	}
	return sig[:12]
}
