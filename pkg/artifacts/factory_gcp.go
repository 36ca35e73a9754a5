//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, s gcsSettings) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: s.Bucket, Prefix: s.Prefix})
}
