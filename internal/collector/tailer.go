package collector

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// Tailer tails a single file, handling rotation and truncation by
// monitoring the file's inode and size. It is not safe for concurrent use;
// Watcher serializes access to each Tailer's Poll/Open calls.
type Tailer struct {
	path       string
	startAtEnd bool

	file   *os.File
	reader *bufio.Reader
	inode  uint64

	// offset is the last read byte offset, accessed atomically so Offset
	// can be called concurrently with Poll.
	offset atomic.Int64

	// pending holds a trailing line fragment that has not yet seen a
	// newline. It is buffered across polls rather than emitted early.
	pending bytes.Buffer
}

// NewTailer returns a Tailer for path. If startAtEnd is true, Open seeks to
// the end of the file so only new writes are observed; otherwise it starts
// from the beginning.
func NewTailer(path string, startAtEnd bool) *Tailer {
	return &Tailer{path: path, startAtEnd: startAtEnd}
}

// Open stats the file, records its inode, and seeks to the configured
// starting position. A missing file is tolerated: Open returns nil and
// Poll will retry the open on its next call.
func (t *Tailer) Open() error {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("collector: stat %q: %w", t.path, err)
	}

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("collector: open %q: %w", t.path, err)
	}

	t.inode = inodeOf(info)

	var pos int64
	if t.startAtEnd {
		pos, err = f.Seek(0, io.SeekEnd)
	} else {
		pos, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("collector: seek %q: %w", t.path, err)
	}

	t.file = f
	t.reader = bufio.NewReader(f)
	t.offset.Store(pos)
	return nil
}

// Poll drains complete (newline-terminated) lines currently available in
// the file and returns them. A non-terminated trailing fragment is kept in
// the internal buffer and prefixed to the next read rather than returned.
// On reaching EOF, Poll checks for rotation or truncation: if the file's
// inode changed, the file is missing, or its size has shrunk below the
// last-read offset, the tailer closes the old handle, reopens from the
// beginning of the new file, and reads its lines in the same call.
func (t *Tailer) Poll() ([]string, error) {
	if t.file == nil {
		if err := t.Open(); err != nil {
			return nil, err
		}
		if t.file == nil {
			return nil, nil
		}
	}

	var lines []string
	for reopened := false; ; reopened = true {
		for {
			chunk, err := t.reader.ReadBytes('\n')
			if len(chunk) > 0 {
				t.pending.Write(chunk)
				t.offset.Add(int64(len(chunk)))
			}
			if err == nil {
				lines = append(lines, string(bytes.TrimRight(t.pending.Bytes(), "\n")))
				t.pending.Reset()
				continue
			}
			// EOF: the trailing bytes (if any) stay buffered for the next poll.
			break
		}
		if reopened {
			return lines, nil
		}

		rotated, err := t.checkRotation()
		if err != nil || !rotated {
			return lines, err
		}
		if err := t.reopen(); err != nil {
			return lines, err
		}
		if t.file == nil {
			return lines, nil
		}
	}
}

// checkRotation reports whether the underlying file should be reopened:
// its inode changed, it no longer exists, or its size has shrunk below the
// offset already consumed (truncation).
func (t *Tailer) checkRotation() (bool, error) {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("collector: stat %q: %w", t.path, err)
	}

	if inodeOf(info) != t.inode {
		return true, nil
	}
	if info.Size() < t.offset.Load() {
		return true, nil
	}
	return false, nil
}

// reopen closes the current handle and reopens the file from the
// beginning, discarding any buffered partial line: a rotated or truncated
// file starts a new stream of lines.
func (t *Tailer) reopen() error {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.pending.Reset()

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		// The replacement file does not exist yet; the next Poll's Open
		// must read it from the beginning, not from its end.
		t.startAtEnd = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("collector: reopen %q: %w", t.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("collector: stat reopened %q: %w", t.path, err)
	}

	t.inode = inodeOf(info)
	t.file = f
	t.reader = bufio.NewReader(f)
	t.offset.Store(0)
	return nil
}

// Offset returns the last read byte offset, safe to call concurrently with
// Poll.
func (t *Tailer) Offset() int64 {
	return t.offset.Load()
}

// Close releases the underlying file handle, if any.
func (t *Tailer) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
