package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const exportRule = "================================================================================"

// ExportFile is one log file selected for export.
type ExportFile struct {
	Path    string
	ModTime time.Time
}

// ExportResult summarizes an export.
type ExportResult struct {
	Files []ExportFile
	Bytes int64
}

// ProjectName derives the log file base name from an archive path by
// dropping the extension and any "-<version>" suffix
// ("orders-0.0.1.jar" -> "orders").
func ProjectName(archivePath string) string {
	base := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	if i := strings.IndexByte(base, '-'); i > 0 {
		base = base[:i]
	}
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "server"
	}
	return base
}

// FindLogFiles lists the live and rotated log files under dir whose
// modification day falls within [from, to]. Zero bounds are open.
func FindLogFiles(dir string, from, to time.Time) ([]ExportFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	lo, hi := dayBounds(from, to)
	var out []ExportFile
	for _, e := range entries {
		if e.IsDir() || !isLogName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mt := info.ModTime()
		if !lo.IsZero() && mt.Before(lo) {
			continue
		}
		if !hi.IsZero() && !mt.Before(hi) {
			continue
		}
		out = append(out, ExportFile{Path: filepath.Join(dir, e.Name()), ModTime: mt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Path < out[j].Path
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

// Export concatenates the log files in c.Dir dated within [from, to] into w,
// framed by a header listing the files and a footer. Rotated gzip backups
// are decompressed. A file that cannot be read contributes an empty body.
func (c FileConfig) Export(w io.Writer, from, to time.Time) (ExportResult, error) {
	if c.Dir == "" {
		return ExportResult{}, errors.New("log export requires a log directory")
	}
	files, err := FindLogFiles(c.Dir, from, to)
	if err != nil {
		return ExportResult{}, err
	}
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	writeExportHeader(bw, from, to, files)
	for _, f := range files {
		name := filepath.Base(f.Path)
		_, _ = fmt.Fprintf(bw, "\n### file: %s\n\n", name)
		if err := copyLogFile(bw, f.Path); err != nil {
			_, _ = fmt.Fprintf(bw, "(unreadable: %v)\n", err)
		}
		_, _ = fmt.Fprintf(bw, "\n### end: %s\n", name)
	}
	_, _ = fmt.Fprintf(bw, "\n%s\nexport completed %s\n%s\n", exportRule, time.Now().Format(time.DateTime), exportRule)
	if err := bw.Flush(); err != nil {
		return ExportResult{}, err
	}
	return ExportResult{Files: files, Bytes: cw.n}, nil
}

// ExportToFile is Export writing to path (created or truncated).
func (c FileConfig) ExportToFile(path string, from, to time.Time) (ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return ExportResult{}, err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return ExportResult{}, err
	}
	res, err := c.Export(f, from, to)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return res, err
}

func writeExportHeader(w io.Writer, from, to time.Time, files []ExportFile) {
	_, _ = fmt.Fprintf(w, "%s\nLOG EXPORT\n%s\n\n", exportRule, exportRule)
	_, _ = fmt.Fprintf(w, "exported at: %s\n", time.Now().Format(time.DateTime))
	_, _ = fmt.Fprintf(w, "range: %s ~ %s\n", dateOrOpen(from), dateOrOpen(to))
	_, _ = fmt.Fprintf(w, "files: %d\n", len(files))
	for i, f := range files {
		_, _ = fmt.Fprintf(w, "  [%d] %s\n", i+1, filepath.Base(f.Path))
	}
	_, _ = fmt.Fprintf(w, "\n%s\n", exportRule)
}

func copyLogFile(w io.Writer, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	_, err = io.Copy(w, r)
	return err
}

func isLogName(name string) bool {
	return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz") || strings.HasSuffix(name, ".txt")
}

// dayBounds turns a [from, to] date range into [from 00:00, day after to 00:00).
func dayBounds(from, to time.Time) (time.Time, time.Time) {
	var lo, hi time.Time
	if !from.IsZero() {
		y, m, d := from.Date()
		lo = time.Date(y, m, d, 0, 0, 0, 0, from.Location())
	}
	if !to.IsZero() {
		y, m, d := to.Date()
		hi = time.Date(y, m, d+1, 0, 0, 0, 0, to.Location())
	}
	return lo, hi
}

func dateOrOpen(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.Format(time.DateOnly)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
