package logpipe

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// MaxLineBytes caps a single line; the rest of an overlong line is discarded.
const MaxLineBytes = 1 << 20

// ReadLines feeds each line of r to ing until EOF or a read error. Trailing
// CR/LF is trimmed. EOF and a closed pipe end the loop without error.
func ReadLines(r io.Reader, src Source, ing Ingester) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br)
		if len(line) > 0 || err == nil {
			ingestLine(ing, string(trimEOL(line)), src)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// ingestLine keeps a panicking Ingester from ending the reader loop.
func ingestLine(ing Ingester, line string, src Source) {
	defer func() { _ = recover() }()
	ing.Ingest(line, src)
}

func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if room := MaxLineBytes - len(line); room > 0 {
			if len(frag) > room {
				line = append(line, frag[:room]...)
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
