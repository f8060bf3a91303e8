package ingestion

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/pterm/pterm"
)

const (
	// maxLineBytes caps a single line; longer lines are cut to this size and
	// the remainder up to the next terminator is skipped.
	maxLineBytes = 1 << 20
	tailBytes    = 500
)

// Line is one complete line and the byte offset where it starts.
type Line struct {
	Text   string
	Offset int64
}

// ReaderState is the persisted cursor of a reader.
type ReaderState struct {
	Offset   int64
	Inode    int64
	LastLine string
}

// ReadResult is the outcome of one ReadBatch call.
type ReadResult struct {
	Lines   []Line
	Rotated bool  // the file was replaced or truncated before this read
	Size    int64 // file size observed at open
	EOF     bool  // every available byte has been consumed
}

// IncrementalReader reads a growing file from a committed offset, holding
// back a trailing partial line until its terminator arrives.
type IncrementalReader struct {
	filePath        string
	committed       int64 // offset just past the last complete line
	readPos         int64 // committed + len(partial), or further while discarding
	lastInode       int64 // inode on Unix, file index on Windows
	lastLineContent string
	partial         []byte
	replaced        bool // the path vanished or was recreated since the last read
	discarding      bool // inside the tail of an oversized line
	logger          *pterm.Logger
}

func NewIncrementalReader(filePath string, state ReaderState, logger *pterm.Logger) *IncrementalReader {
	return &IncrementalReader{
		filePath:        filePath,
		committed:       state.Offset,
		readPos:         state.Offset,
		lastInode:       state.Inode,
		lastLineContent: state.LastLine,
		logger:          logger,
	}
}

// State returns the cursor to persist.
func (r *IncrementalReader) State() ReaderState {
	return ReaderState{Offset: r.committed, Inode: r.lastInode, LastLine: r.lastLineContent}
}

// Path returns the file the reader tails.
func (r *IncrementalReader) Path() string {
	return r.filePath
}

// MarkReplaced forces the next read to treat the file as new. Used when the
// watcher sees the path removed, renamed or created.
func (r *IncrementalReader) MarkReplaced() {
	r.replaced = true
}

// ReadBatch reads up to maxBytes of new data and returns the complete lines in it.
func (r *IncrementalReader) ReadBatch(maxBytes int) (ReadResult, error) {
	var res ReadResult

	file, err := os.Open(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.replaced = true
		}
		return res, fmt.Errorf("open %s: %w", r.filePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", r.filePath, err)
	}
	if !stat.Mode().IsRegular() {
		return res, fmt.Errorf("%s is not a regular file", r.filePath)
	}
	res.Size = stat.Size()

	currentInode, err := getFileInode(file)
	if err != nil {
		r.logger.WithCaller().Warn("Failed to get file inode", r.logger.Args("path", r.filePath, "error", err))
		currentInode = 0
	}

	if reason := r.rotationReason(file, currentInode, res.Size); reason != "" {
		r.logger.Info("Log rotation detected",
			r.logger.Args(
				"path", r.filePath,
				"reason", reason,
				"old_inode", r.lastInode,
				"new_inode", currentInode,
				"old_offset", r.committed,
				"new_size", res.Size,
			))
		r.reset()
		res.Rotated = true
	}
	r.replaced = false
	if currentInode != 0 {
		r.lastInode = currentInode
	}

	if res.Size <= r.readPos {
		res.EOF = true
		return res, nil
	}

	toRead := res.Size - r.readPos
	if maxBytes > 0 && toRead > int64(maxBytes) {
		toRead = int64(maxBytes)
	}
	buf := make([]byte, toRead)
	n, err := file.ReadAt(buf, r.readPos)
	if err != nil && !errors.Is(err, io.EOF) {
		return res, fmt.Errorf("read %s at %d: %w", r.filePath, r.readPos, err)
	}
	buf = buf[:n]
	r.readPos += int64(n)
	res.EOF = r.readPos >= res.Size

	res.Lines = r.split(buf)

	if len(res.Lines) > 0 {
		r.lastLineContent = getTail(res.Lines[len(res.Lines)-1].Text, tailBytes)
		r.logger.Trace("Read batch from log file",
			r.logger.Args(
				"path", r.filePath,
				"lines_read", len(res.Lines),
				"offset", r.committed,
				"rotated", res.Rotated,
			))
	}
	return res, nil
}

// rotationReason reports why the file at the committed offset is no longer
// the file that was being read, or "" if it still is.
func (r *IncrementalReader) rotationReason(file *os.File, inode, size int64) string {
	switch {
	case r.replaced && r.readPos > 0:
		return "path replaced"
	case r.lastInode != 0 && inode != 0 && inode != r.lastInode:
		return "inode changed"
	case size < r.readPos:
		return "file truncated"
	}

	// The byte before a committed offset is always a line terminator. Anything
	// else means the content was rewritten underneath us.
	if r.committed > 0 {
		var b [1]byte
		if _, err := file.ReadAt(b[:], r.committed-1); err == nil && b[0] != '\n' {
			return "line continuity broken"
		}
	}
	return ""
}

func (r *IncrementalReader) reset() {
	r.committed = 0
	r.readPos = 0
	r.partial = nil
	r.discarding = false
	r.lastLineContent = ""
}

// split cuts buf (prefixed by any held-back partial line) into complete lines.
// Empty lines advance the offset but are not returned.
func (r *IncrementalReader) split(buf []byte) []Line {
	data := buf
	if len(r.partial) > 0 {
		data = append(r.partial, buf...)
		r.partial = nil
	}

	if r.discarding {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return nil
		}
		// committed stays at the start of the oversized line until its
		// terminator shows up, so it always follows a '\n'.
		r.committed = r.readPos - int64(len(data)) + int64(idx) + 1
		r.discarding = false
		data = data[idx+1:]
	}

	var lines []Line
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		raw := data[:idx]
		if len(raw) > maxLineBytes {
			raw = raw[:maxLineBytes]
		}
		text := strings.TrimRight(string(raw), "\r")
		if text != "" {
			lines = append(lines, Line{Text: text, Offset: r.committed})
		}
		r.committed += int64(idx) + 1
		data = data[idx+1:]
	}

	if len(data) > maxLineBytes {
		r.logger.Debug("Line exceeds maximum length, truncating",
			r.logger.Args("path", r.filePath, "offset", r.committed, "max_bytes", maxLineBytes))
		lines = append(lines, Line{Text: string(data[:maxLineBytes]), Offset: r.committed})
		r.discarding = true
		data = nil
	}
	if len(data) > 0 {
		r.partial = append([]byte(nil), data...)
	}
	return lines
}

// SeekToEnd positions the reader after the last complete line of the file so
// that only content appended from now on is reported.
func (r *IncrementalReader) SeekToEnd() error {
	file, err := os.Open(r.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	boundary, err := lastLineBoundary(file, stat.Size())
	if err != nil {
		return err
	}
	inode, _ := getFileInode(file)

	r.reset()
	r.committed = boundary
	r.readPos = boundary
	r.lastInode = inode
	r.replaced = false
	r.logger.Debug("Reader positioned at end of file",
		r.logger.Args("path", r.filePath, "offset", boundary, "size", stat.Size()))
	return nil
}

// Matches reports whether a stored cursor still refers to the file on disk.
func (r *IncrementalReader) Matches(state ReaderState) bool {
	file, err := os.Open(r.filePath)
	if err != nil {
		return false
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil || stat.Size() < state.Offset {
		return false
	}
	inode, err := getFileInode(file)
	if err != nil || inode == 0 || inode != state.Inode {
		return false
	}
	if state.Offset > 0 {
		var b [1]byte
		if _, err := file.ReadAt(b[:], state.Offset-1); err != nil || b[0] != '\n' {
			return false
		}
	}
	return true
}

// lastLineBoundary returns the offset just past the last '\n' in the file.
func lastLineBoundary(file *os.File, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := file.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if idx := bytes.LastIndexByte(buf[:n], '\n'); idx >= 0 {
			return start + int64(idx) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// getTail returns the last maxLen characters of a string
func getTail(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	s = strings.TrimRight(s, " \t\n\r")
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

// getFileInode returns a stable identifier for the file using reflection to access system-specific inode
// This works across platforms (Linux, macOS, Windows) without build tags
func getFileInode(file *os.File) (int64, error) {
	stat, err := file.Stat()
	if err != nil {
		return 0, err
	}

	sys := stat.Sys()
	if sys != nil {
		v := reflect.ValueOf(sys)
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() == reflect.Struct {
			// Unix/Linux/macOS
			inoField := v.FieldByName("Ino")
			if inoField.IsValid() && inoField.CanUint() {
				return int64(inoField.Uint()), nil
			}

			// Windows
			fileIndexField := v.FieldByName("FileIndexHigh")
			if fileIndexField.IsValid() && fileIndexField.CanUint() {
				fileIndexHigh := fileIndexField.Uint()
				fileIndexLow := uint64(0)
				if lowField := v.FieldByName("FileIndexLow"); lowField.IsValid() && lowField.CanUint() {
					fileIndexLow = lowField.Uint()
				}
				return int64((fileIndexHigh << 32) | fileIndexLow), nil
			}
		}
	}

	// No inode available: rotation falls back to size and continuity checks.
	return 0, nil
}
