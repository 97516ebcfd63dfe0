package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"time"
)

// fieldHasher writes each field with an 8-byte big-endian length prefix so
// that ("ab","c") and ("a","bc") never hash alike.
type fieldHasher struct {
	h hash.Hash
}

func newFieldHasher() fieldHasher {
	return fieldHasher{h: sha256.New()}
}

func (f fieldHasher) write(s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	f.h.Write(n[:])
	f.h.Write([]byte(s))
}

func (f fieldHasher) sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

// TaskChecksum digests the identity and classification of a task. It does not
// cover the description, metadata or audit log.
func TaskChecksum(id, title string, state State, priority Priority, level SecurityLevel) string {
	f := newFieldHasher()
	f.write(id)
	f.write(title)
	f.write(string(state))
	f.write(string(priority))
	f.write(string(level))
	return f.sum()
}

// AuditChecksum digests one audit entry. Details are not covered.
func AuditChecksum(ts time.Time, action string, previous, next State, actor string) string {
	f := newFieldHasher()
	f.write(formatTime(ts))
	f.write(action)
	f.write(string(previous))
	f.write(string(next))
	f.write(actor)
	return f.sum()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
