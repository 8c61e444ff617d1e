package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath resolves a leading "~" against the user's home directory and
// returns an absolute path.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		path = filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
	}

	return filepath.Abs(path)
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.IsDir()
}
