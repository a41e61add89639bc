package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/philia-app/mentor-service/internal/model"
)

// Normalize canonicalizes memory content before fingerprinting: trim,
// lowercase, collapse all interior whitespace runs to single spaces.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// Fingerprint returns the hex SHA-256 of the normalized content.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// EmbeddingText builds the text that gets embedded for a memory: the content
// plus the serialized facts, so that structured details contribute to
// similarity. Struct field order keeps the serialization deterministic.
func EmbeddingText(content string, facts model.ExtractedFacts) string {
	data, err := json.Marshal(facts)
	if err != nil || string(data) == "{}" {
		return content
	}
	if content == "" {
		return string(data)
	}
	return content + "\n" + string(data)
}
