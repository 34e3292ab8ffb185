package journal

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Open selects an Archive implementation using environment variables.
//
//	UNITWORK_JOURNAL_DRIVER: fs|s3|memory (default fs)
//	UNITWORK_JOURNAL_FS_ROOT: directory root when driver=fs (default ./journaldata)
//	UNITWORK_JOURNAL_S3_BUCKET: bucket when driver=s3 (required)
//	UNITWORK_JOURNAL_S3_REGION: region when driver=s3 (default us-east-1)
//	UNITWORK_JOURNAL_S3_ENDPOINT: custom endpoint, e.g. MinIO (optional)
//	UNITWORK_JOURNAL_S3_PATH_STYLE: true|false (default false)
func Open(ctx context.Context) (Archive, error) {
	driver := os.Getenv("UNITWORK_JOURNAL_DRIVER")
	if driver == "" {
		driver = "fs"
	}
	switch driver {
	case "fs":
		return NewFSArchive(os.Getenv("UNITWORK_JOURNAL_FS_ROOT"))
	case "s3":
		bucket := os.Getenv("UNITWORK_JOURNAL_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("UNITWORK_JOURNAL_S3_BUCKET required for s3 driver")
		}
		return NewS3Archive(ctx, S3Config{
			Bucket:    bucket,
			Region:    os.Getenv("UNITWORK_JOURNAL_S3_REGION"),
			Endpoint:  os.Getenv("UNITWORK_JOURNAL_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("UNITWORK_JOURNAL_S3_PATH_STYLE"), "true"),
		})
	case "memory":
		return NewMemoryArchive(), nil
	default:
		return nil, fmt.Errorf("unknown journal driver %s", driver)
	}
}
