package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an artifact storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// Settings selects and configures a backend.
type Settings struct {
	Type    StoreType
	DataDir string
	S3      S3StoreConfig
	GCS     gcsSettings
}

type gcsSettings struct {
	Bucket string
	Prefix string
}

// SettingsFromEnv reads:
//
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "memory", "s3" or "gcs"
//   - DATA_DIR: base directory for the fs store (default "data")
//   - ARTIFACT_S3_BUCKET, ARTIFACT_S3_REGION (or AWS_REGION),
//     ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX
//   - ARTIFACT_GCS_BUCKET, ARTIFACT_GCS_PREFIX
func SettingsFromEnv() Settings {
	s := Settings{
		Type:    StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		DataDir: os.Getenv("DATA_DIR"),
		S3: S3StoreConfig{
			Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			Region:   os.Getenv("ARTIFACT_S3_REGION"),
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		},
		GCS: gcsSettings{
			Bucket: os.Getenv("ARTIFACT_GCS_BUCKET"),
			Prefix: os.Getenv("ARTIFACT_GCS_PREFIX"),
		},
	}
	if s.Type == "" {
		s.Type = StoreTypeFS
	}
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.S3.Region == "" {
		s.S3.Region = os.Getenv("AWS_REGION")
	}
	if s.S3.Region == "" {
		s.S3.Region = "us-east-1"
	}
	return s
}

// NewStoreFromEnv builds the store described by SettingsFromEnv.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, SettingsFromEnv())
}

// NewStore builds the backend named by s.Type.
func NewStore(ctx context.Context, s Settings) (Store, error) {
	switch s.Type {
	case StoreTypeFS, "":
		return NewFileStore(filepath.Join(s.DataDir, "artifacts"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		if s.S3.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		return NewS3Store(ctx, s.S3)
	case StoreTypeGCS:
		if s.GCS.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, s.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", s.Type)
	}
}
