package projection

import (
	"bytes"

	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
)

// ChecksumRows hashes rows in (table, key) order. Rows must already be
// sorted, as RowStore.Rows returns them.
func ChecksumRows(rows []Row) string {
	var buf bytes.Buffer
	for _, r := range rows {
		buf.WriteString(r.Table)
		buf.WriteByte(0)
		buf.WriteString(r.Key)
		buf.WriteByte(0)
		buf.Write(r.Data)
		buf.WriteByte('\n')
	}
	return canonicalize.ContentHash(buf.Bytes())
}

// firstDifference locates the first row at which two sorted row sets
// disagree.
func firstDifference(a, b []Row) (table, key string) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ra, rb := a[i], b[j]
		switch {
		case ra.Table == rb.Table && ra.Key == rb.Key:
			if !bytes.Equal(ra.Data, rb.Data) {
				return ra.Table, ra.Key
			}
			i++
			j++
		case ra.Table < rb.Table || (ra.Table == rb.Table && ra.Key < rb.Key):
			return ra.Table, ra.Key
		default:
			return rb.Table, rb.Key
		}
	}
	if i < len(a) {
		return a[i].Table, a[i].Key
	}
	if j < len(b) {
		return b[j].Table, b[j].Key
	}
	return "", ""
}
