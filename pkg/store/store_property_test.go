//go:build property

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestGlobalSequenceStrictlyIncreasing appends to a random interleaving of
// streams, with some stale version tokens, and checks the global log.
func TestGlobalSequenceStrictlyIncreasing(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("global sequence is gapless and increasing", prop.ForAll(
		func(picks []int) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			versions := map[string]int64{}
			for i, p := range picks {
				stream := fmt.Sprintf("s%d", p%4)
				expected := versions[stream]
				if i%7 == 3 {
					expected++ // stale token, must be rejected
				}
				var req AppendRequest
				if expected == 0 {
					req = workItem(stream, expected, "w")
				} else {
					req = activate(stream, expected)
				}
				if _, err := s.Append(ctx, req); err == nil {
					versions[stream]++
				}
			}

			all, err := s.ReadGlobal(ctx, 0, len(picks)+1)
			if err != nil {
				return false
			}
			var total int64
			for _, v := range versions {
				total += v
			}
			if int64(len(all)) != total {
				return false
			}
			perStream := map[string]int64{}
			for i, env := range all {
				if env.GlobalSeq != int64(i+1) {
					return false
				}
				perStream[env.StreamID]++
				if env.StreamSeq != perStream[env.StreamID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
