package ingestion

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"catalogd/internal/apperrors"
)

// dangerousPathPatterns flags path traversal attempts in an uploaded
// batch's file paths before they ever touch the filesystem.
var dangerousPathPatterns = []string{"..", "~", "$"}

// filenameUnsafeChars matches characters not allowed in filenames across
// the target filesystems the conversion step writes to.
var filenameUnsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SafeUploadPath cleans and validates an uploaded file's path against
// traversal, returning the absolute path rooted under uploadDir.
func SafeUploadPath(uploadDir, relPath string) (string, error) {
	if relPath == "" {
		return "", apperrors.New("ingestion.SafeUploadPath", apperrors.KindInvalidMessage, "empty path")
	}
	for _, pattern := range dangerousPathPatterns {
		if strings.Contains(relPath, pattern) {
			return "", apperrors.New("ingestion.SafeUploadPath", apperrors.KindInvalidMessage, "path contains disallowed sequence")
		}
	}

	cleaned := filepath.Clean(relPath)
	if filepath.IsAbs(cleaned) {
		return "", apperrors.New("ingestion.SafeUploadPath", apperrors.KindInvalidMessage, "path must be relative")
	}

	full := filepath.Join(uploadDir, cleaned)
	rel, err := filepath.Rel(uploadDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", apperrors.New("ingestion.SafeUploadPath", apperrors.KindInvalidMessage, "path escapes upload directory")
	}

	return full, nil
}

// SanitizeFilename strips characters unsafe for the target filesystem and
// bounds length, mirroring the constraints a transcoded track's output
// filename must satisfy.
func SanitizeFilename(name string) string {
	if name == "" {
		return "untitled"
	}

	safe := filenameUnsafeChars.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, " .")
	if len(safe) > 200 {
		safe = safe[:200]
	}
	if safe == "" {
		return "untitled"
	}
	return safe
}

// EnsureUploadDir creates the upload staging directory for a job if it
// does not already exist.
func EnsureUploadDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return apperrors.Wrap("ingestion.EnsureUploadDir", apperrors.KindStorage, err)
	}
	return nil
}
