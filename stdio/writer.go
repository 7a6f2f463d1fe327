package stdio

import (
	"bufio"
	"io"
	"sync"

	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
)

// writeMux is the single writer for one output stream. Each envelope is
// written as one line and flushed under the lock so lines never interleave.
type writeMux struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newWriteMux(w io.Writer) *writeMux {
	return &writeMux{w: bufio.NewWriter(w)}
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := jsonrpc.Encode(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.w.Write(b); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}

// maxLineSize bounds a single inbound envelope.
const maxLineSize = 16 << 20

// lineReader yields newline-delimited records. A record longer than
// maxLineSize is consumed and reported with errLineTooLong so the caller can
// answer it and keep reading.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

type lineTooLongError struct{}

func (lineTooLongError) Error() string { return "message too large" }

var errLineTooLong error = lineTooLongError{}

func (lr *lineReader) next() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineSize {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch err {
		case nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return line, nil
		case bufio.ErrBufferFull:
			continue
		default:
			if tooLong {
				return nil, errLineTooLong
			}
			if len(line) > 0 && err == io.EOF {
				return line, nil
			}
			return nil, err
		}
	}
}
