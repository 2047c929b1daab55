package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"havoc/internal/render"
)

// ReadError reports a deployed configuration that exists but could not be read
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read deployed config %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// HasChanged reports whether text differs from the file at path.
// A missing file counts as changed.
func HasChanged(text, path string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, &ReadError{Path: path, Err: err}
	}
	defer f.Close()

	deployed, err := render.SumReader(f)
	if err != nil {
		return false, &ReadError{Path: path, Err: err}
	}

	return deployed != render.Sum([]byte(text)), nil
}
