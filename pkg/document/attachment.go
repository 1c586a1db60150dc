// ABOUTME: Attachment metadata carried by documents
// ABOUTME: Stubs describe stored blobs; the bytes live in the store

package document

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// AttachmentStub describes one named blob attached to a document
type AttachmentStub struct {
	ContentType string `json:"content_type"`
	Length      int64  `json:"length"`
	Digest      string `json:"digest"`
}

// Attachment is a blob with its metadata
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Stub builds the stub for a
func (a *Attachment) Stub() AttachmentStub {
	return AttachmentStub{
		ContentType: a.ContentType,
		Length:      int64(len(a.Data)),
		Digest:      Digest(a.Data),
	}
}

// Digest fingerprints attachment bytes
func Digest(data []byte) string {
	return fmt.Sprintf("xxh64-%016x", xxhash.Sum64(data))
}
