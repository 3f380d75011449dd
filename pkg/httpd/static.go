package httpd

import (
	"fmt"
	"io"
	"os"

	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

// DefaultChunkSize is the size of the reads used to stream files.
const DefaultChunkSize = 4096

// FileServer streams files as response bodies.
type FileServer struct {
	ChunkSize int
}

// Serve writes the success header block for path and, unless headOnly is set,
// the file's bytes. A file that cannot be opened yields ErrNotFound and nothing
// is written.
func (fs *FileServer) Serve(w io.Writer, path string, headOnly bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer f.Close()

	if err := response.WriteStatus(w, response.StatusOK); err != nil {
		return err
	}
	if headOnly {
		return nil
	}

	size := fs.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := response.WriteFull(w, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("httpd: reading %s: %w", path, err)
		}
	}
}
