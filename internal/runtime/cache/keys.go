package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	// TagNamespace prefixes keys for scored-tag results.
	TagNamespace = "tags:"
	// WatermarkNamespace prefixes keys for rendered watermark outputs.
	WatermarkNamespace = "watermark:"
)

// TagKey derives the cache key for a tag generation request. Inputs are used
// as given: callers wanting case-insensitive hits must normalize first.
func TagKey(title, description, category string) string {
	return TagNamespace + encodeKey(title, description, category)
}

// WatermarkKey derives the cache key for a watermark render from the content
// hash of the upload and the render parameters.
func WatermarkKey(contentHash, text, position string, opacity float64) string {
	return WatermarkNamespace + encodeKey(contentHash, text, position, strconv.FormatFloat(opacity, 'f', -1, 64))
}

// ContentHash returns the hex-encoded SHA-256 of data. Identical bytes always
// yield the same hash regardless of the filename they arrived under.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// encodeKey length-prefixes every part so no field content, separators
// included, can shift bytes into a neighbouring field.
func encodeKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}
