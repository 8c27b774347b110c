package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. Version suffix enables
// future algorithm migration.
const (
	DomainMessage    = "verbatim/message/v1"
	DomainAttachment = "verbatim/attachment/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MessageID computes a stable message id for rows that carry no platform
// GUID. The id is reproducible across runs given the same staged input.
func MessageID(conversation string, rowID int64) string {
	payload := fmt.Sprintf("%s\x00%d", conversation, rowID)
	return hashWithDomain(DomainMessage, []byte(payload))
}

// AttachmentDigest computes the content hash of materialized attachment
// bytes. The hash is always computed over the copied bytes, never trusted
// from source metadata, so tampering is detectable.
func AttachmentDigest(data []byte) string {
	return hashWithDomain(DomainAttachment, data)
}
