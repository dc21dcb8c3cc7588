package output

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SpillHandle references a task's output payload written to external
// storage once its captured volume exceeded the configured threshold. Reads
// stream the file back without rematerializing the whole payload in RAM
// beyond the io.Reader's own buffering.
type SpillHandle struct {
	TaskID     string
	Path       string
	Size       int64
	Compressed bool
}

// Spill writes data to "<dir>/<taskID>.<stream>[.gz]", optionally
// gzip-compressed, and returns a handle to it.
func Spill(dir, taskID, stream string, data []byte, compress bool) (*SpillHandle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &SpillError{TaskID: taskID, Path: dir, Err: err}
	}

	name := fmt.Sprintf("%s.%s", taskID, stream)
	if compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, &SpillError{TaskID: taskID, Path: path, Err: err}
	}
	defer f.Close()

	if compress {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(data); err != nil {
			return nil, &SpillError{TaskID: taskID, Path: path, Err: err}
		}
		if err := gz.Close(); err != nil {
			return nil, &SpillError{TaskID: taskID, Path: path, Err: err}
		}
	} else if _, err := f.Write(data); err != nil {
		return nil, &SpillError{TaskID: taskID, Path: path, Err: err}
	}

	return &SpillHandle{TaskID: taskID, Path: path, Size: int64(len(data)), Compressed: compress}, nil
}

// Reader opens a streaming reader over the spilled payload, transparently
// decompressing if the handle is gzip-compressed. The caller must close
// the returned reader.
func (h *SpillHandle) Reader() (io.ReadCloser, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, &SpillError{TaskID: h.TaskID, Path: h.Path, Err: err}
	}
	if !h.Compressed {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, &SpillError{TaskID: h.TaskID, Path: h.Path, Err: err}
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

// ReadAll reads the full spilled payload back into memory; used by callers
// (e.g. context assembly) that need the whole body rather than a stream.
func (h *SpillHandle) ReadAll() ([]byte, error) {
	r, err := h.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpillRead, err)
	}
	return data, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gz.Read(p)
}

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}
