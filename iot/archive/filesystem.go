package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/agriwatch/core/logger"
)

// LocalFilesystem is an archive in a local folder
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a new LocalFilesystem. The base folder gets
// created if it does not exist.
func NewLocalFilesystem(baseFolder string) (*LocalFilesystem, error) {
	if len(baseFolder) == 0 {
		return nil, fmt.Errorf("base folder must not be empty")
	}
	if err := os.MkdirAll(baseFolder, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("local archive enabled in", baseFolder)
	return &LocalFilesystem{baseFolder: baseFolder}, nil
}

// Save implements Driver
func (f *LocalFilesystem) Save(ctx context.Context, key string, data []byte) error {
	if strings.Contains(key, "..") {
		return fmt.Errorf(".. not authorized in keys: '%s'", key)
	}
	filePath := filepath.Join(f.baseFolder, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0600)
}
