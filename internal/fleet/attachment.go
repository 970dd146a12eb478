package fleet

import (
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	"github.com/zeebo/blake3"
)

// AttachmentBuffer collects an attachment up to a hard byte cap.
//
// A write that would cross the cap fails with ErrPayloadTooLarge and
// poisons the buffer: every later write fails the same way and the
// partial content is discarded.
type AttachmentBuffer struct {
	max    int
	data   []byte
	digest hash.Hash
	err    error
}

// NewAttachmentBuffer creates a buffer that accepts at most max bytes.
func NewAttachmentBuffer(max int) *AttachmentBuffer {
	return &AttachmentBuffer{
		max:    max,
		digest: blake3.New(),
	}
}

// Write implements io.Writer.
func (b *AttachmentBuffer) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(b.data)+len(p) > b.max {
		b.err = fmt.Errorf("%w: attachment exceeds %d bytes", ErrPayloadTooLarge, b.max)
		b.data = nil
		return 0, b.err
	}
	b.data = append(b.data, p...)
	b.digest.Write(p) //nolint:errcheck // hash writes never fail
	return len(p), nil
}

// Len returns the number of bytes buffered so far.
func (b *AttachmentBuffer) Len() int {
	return len(b.data)
}

// Err returns the error that poisoned the buffer, if any.
func (b *AttachmentBuffer) Err() error {
	return b.err
}

// seal turns the buffered bytes into a stored attachment.
func (b *AttachmentBuffer) seal(contentType string, now time.Time) (*attachment, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &attachment{
		data: b.data,
		info: AttachmentInfo{
			Size:        len(b.data),
			ContentType: contentType,
			Digest:      hex.EncodeToString(b.digest.Sum(nil)),
			UpdatedAt:   now,
		},
	}, nil
}

// attachment is the blob stored on a device entry. It is replaced
// wholesale and never mutated after sealing.
type attachment struct {
	data []byte
	info AttachmentInfo
}
