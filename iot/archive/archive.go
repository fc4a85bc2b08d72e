/*Package archive stores telemetry snapshots outside of the database.

There are two drivers: a local file system and AWS S3. Archiving is
best-effort, callers log failures and carry on.
*/
package archive

import (
	"context"
	"fmt"
	"time"
)

// Driver defines the interface for an archive
type Driver interface {
	// Save stores data under key, overwriting an existing object
	Save(ctx context.Context, key string, data []byte) error
}

// DriverType represents the different types of archive drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the archive
const DriverTypeLocal DriverType = "local"

// DriverTypeAWSS3 is the AWS S3 implementation of the archive
const DriverTypeAWSS3 DriverType = "s3"

// None is used when there is no archive
const None DriverType = ""

// Configuration contains the configuration for the archive
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem archive
type LocalConfiguration struct {
	BasePath string
}

// New returns the driver selected by config, or nil for None.
func New(ctx context.Context, config Configuration) (Driver, error) {
	switch config.DriverType {
	case None:
		return nil, nil
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("local archive configuration missing")
		}
		f, err := NewLocalFilesystem(config.LocalConfiguration.BasePath)
		if err != nil {
			return nil, err
		}
		return f, nil
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("s3 archive configuration missing")
		}
		s, err := NewS3(ctx, *config.S3Configuration)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown archive driver '%s'", config.DriverType)
}

// SnapshotKey returns the archive key for a snapshot received at t
func SnapshotKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("snapshots/%s/%s.json", t.Format("2006/01/02"), t.Format(time.RFC3339Nano))
}
