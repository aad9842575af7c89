package blob

import (
	infraS3 "censuscore/internal/infra/blob/s3"
	"context"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed blob.Store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	store, err := infraS3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenFromEnv constructs an S3 store using environment variables:
//
//	CENSUSCORE_BLOB_S3_BUCKET (required), CENSUSCORE_BLOB_S3_REGION,
//	CENSUSCORE_BLOB_S3_ENDPOINT, CENSUSCORE_BLOB_S3_PATH_STYLE
func OpenFromEnv(ctx context.Context) (Store, error) {
	store, err := infraS3.OpenFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
