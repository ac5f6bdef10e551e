package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum computes the CRC32-IEEE of the event's identifying fields.
// Timestamp and Checksum itself are excluded.
func Checksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.RunID)
	b.WriteByte('|')
	b.WriteString(e.File)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.Index))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.Count))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.Attempts))
	b.WriteByte('|')
	b.WriteString(e.Error)
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether e carries the checksum of its fields.
func VerifyChecksum(e Event) bool {
	return e.Checksum == Checksum(e)
}
