package syncer

import "fmt"

// ManifestFetchError is returned when the manifest could not be read from the
// remote. The pass is abandoned and retried on the next interval.
type ManifestFetchError struct {
	Path string
	Err  error
}

func (e *ManifestFetchError) Error() string {
	return fmt.Sprintf("fetching manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestFetchError) Unwrap() error {
	return e.Err
}

// FileDownloadError is a per-file failure. The pass continues.
type FileDownloadError struct {
	Name       string
	RemotePath string
	Err        error
}

func (e *FileDownloadError) Error() string {
	return fmt.Sprintf("downloading %s as %s: %v", e.RemotePath, e.Name, e.Err)
}

func (e *FileDownloadError) Unwrap() error {
	return e.Err
}
