package blob

import (
	"context"
	"fmt"
	"os"
)

// Environment variables consulted by Open.
const (
	EnvDriver = "CENSUSCORE_BLOB_DRIVER"
	EnvFSRoot = "CENSUSCORE_BLOB_FS_ROOT"
)

// Open selects a blob.Store implementation using environment variables.
//
//	CENSUSCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	CENSUSCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv(EnvDriver)
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv(EnvFSRoot))
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
