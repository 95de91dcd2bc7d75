package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Open selects a document store driver from the environment:
//
//	CUSTODYCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	CUSTODYCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./documents)
//	CUSTODYCORE_BLOB_S3_BUCKET: bucket name, required when driver=s3
//	CUSTODYCORE_BLOB_S3_REGION: region (default us-east-1)
//	CUSTODYCORE_BLOB_S3_ENDPOINT: custom endpoint, e.g. MinIO (optional)
//	CUSTODYCORE_BLOB_S3_PATH_STYLE: true|false (default false)
//	CUSTODYCORE_BLOB_S3_ACCESS_KEY / CUSTODYCORE_BLOB_S3_SECRET_KEY:
//	  static credentials (optional; default AWS chain otherwise)
func Open(ctx context.Context) (Store, error) {
	driver := Driver(os.Getenv("CUSTODYCORE_BLOB_DRIVER"))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFSStore(os.Getenv("CUSTODYCORE_BLOB_FS_ROOT"))
	case DriverS3:
		bucket := os.Getenv("CUSTODYCORE_BLOB_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("CUSTODYCORE_BLOB_S3_BUCKET required for s3 driver")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:          bucket,
			Region:          os.Getenv("CUSTODYCORE_BLOB_S3_REGION"),
			Endpoint:        os.Getenv("CUSTODYCORE_BLOB_S3_ENDPOINT"),
			PathStyle:       strings.EqualFold(os.Getenv("CUSTODYCORE_BLOB_S3_PATH_STYLE"), "true"),
			AccessKeyID:     os.Getenv("CUSTODYCORE_BLOB_S3_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("CUSTODYCORE_BLOB_S3_SECRET_KEY"),
			SessionToken:    os.Getenv("CUSTODYCORE_BLOB_S3_SESSION_TOKEN"),
		})
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}
