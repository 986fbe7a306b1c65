package metainfo

import "fmt"

// MalformedError reports that a .torrent file failed to parse or failed
// validation, distinguishing metafile-shape problems from I/O errors so
// callers can decide whether retrying the same path is worthwhile.
type MalformedError struct {
	Path   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("metainfo: %s: %s", e.Path, e.Reason)
}

func malformed(path, format string, args ...any) error {
	return &MalformedError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
