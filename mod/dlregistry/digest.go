// Package dlregistry implements the Duplicate-Download Registry: a
// fixed-capacity table of (pid, digest) DownloadSlots enforcing a
// per-(client-IP, URI) concurrency cap on GET requests.
package dlregistry

import "crypto/sha1"

// DigestSize is the width of a DownloadSlot digest (SHA-1, used purely as
// a fixed-width fingerprint — a collision only risks a spurious
// duplicate-download rejection, never a security property).
const DigestSize = sha1.Size

// Digest identifies a (client-IP, URI) pair.
type Digest [DigestSize]byte

// ComputeDigest returns SHA1(clientIP || 0x00 || uri || 0x00), exactly as
// spec'd for the DownloadSlot table key.
func ComputeDigest(clientIP, uri string) Digest {
	h := sha1.New()
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write([]byte(uri))
	h.Write([]byte{0})
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (d Digest) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, DigestSize*2)
	for i, b := range d {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
