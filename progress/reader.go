// Package progress has small io.Reader wrappers that observe bytes as they
// stream through the upload path, without buffering them.
package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"sync/atomic"
)

// ReadCounter counts the bytes read through it. The count is safe to read
// while another goroutine is still consuming the reader.
type ReadCounter struct {
	r io.Reader
	n atomic.Int64
}

func NewReadCounter(r io.Reader) *ReadCounter {
	return &ReadCounter{r: r}
}

func (c *ReadCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
	}
	return n, err
}

func (c *ReadCounter) Count() int64 {
	return c.n.Load()
}

// ReadHasher digests the bytes read through it so the stored blob can be
// tied back to what the client actually sent.
type ReadHasher struct {
	r io.Reader
	h hash.Hash
}

func NewReadHasher(r io.Reader) *ReadHasher {
	return &ReadHasher{r: r, h: sha256.New()}
}

func (h *ReadHasher) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		// hash.Hash writes never fail
		h.h.Write(p[:n])
	}
	return n, err
}

// SHA256 returns the hex digest of everything read so far.
func (h *ReadHasher) SHA256() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
