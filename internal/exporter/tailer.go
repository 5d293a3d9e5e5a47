package exporter

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aira-core/openclaw/internal/transcript"
)

// maxLineBytes is the largest transcript line the tailer will parse. Longer
// lines are dropped and the cursor advances past them.
const maxLineBytes = 2 * 1024 * 1024

const readBufferSize = 64 * 1024

// tailOnce scans every known transcript for appended bytes, parses the new
// lines, and enqueues events for bound sessions. Cursors advance over
// unbound and unparseable lines too, so skipped content is never revisited.
func (e *Exporter) tailOnce() error {
	paths, err := filepath.Glob(filepath.Join(e.cfg.StateDir, "agents", "*", "sessions", "*.jsonl"))
	if err != nil {
		return err
	}

	for _, path := range paths {
		base := filepath.Base(path)
		if strings.Contains(base, ".deleted.") || strings.Contains(base, ".bak.") {
			continue
		}
		fc, ok := transcript.ParseSessionFilePath(path)
		if !ok {
			continue
		}
		if err := e.tailFile(path, fc); err != nil {
			e.cfg.Logger.Warn("tail failed", "path", path, "error", err)
		}
	}
	return nil
}

func (e *Exporter) tailFile(path string, fc transcript.FileContext) error {
	info, err := os.Stat(path)
	if err != nil {
		// Transcript disappeared between glob and stat; try again next tick.
		return nil
	}
	size := info.Size()

	e.mu.Lock()
	cursor, known := e.meta.FileCursors[path]
	if !known {
		// First sighting: start at the current end of file unless backfill
		// was requested. The cursor lands in meta on the next flush.
		offset := size
		if e.cfg.Backfill {
			offset = 0
		}
		cursor = FileCursor{Offset: offset}
		e.meta.FileCursors[path] = cursor
	}
	e.mu.Unlock()

	if cursor.Offset >= size {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(cursor.Offset, io.SeekStart); err != nil {
		return err
	}

	reader := newLineReader(f)
	var advanced int64
	var events []SpoolEvent
	for lines := 0; lines < maxLinesPerTick; lines++ {
		line, n, complete, err := reader.next()
		if err != nil && err != io.EOF {
			return err
		}
		if !complete {
			break
		}
		advanced += n
		if line != nil {
			events = append(events, e.parseTranscriptLine(fc, path, line)...)
		}
		if err == io.EOF {
			break
		}
	}

	if advanced > 0 {
		e.mu.Lock()
		e.meta.FileCursors[path] = FileCursor{Offset: cursor.Offset + advanced}
		e.mu.Unlock()
	}
	e.enqueueEvents(events)
	return nil
}

// parseTranscriptLine applies the binding gate and converts one line into
// spool events. Unbound sessions are skipped silently.
func (e *Exporter) parseTranscriptLine(fc transcript.FileContext, path string, line []byte) []SpoolEvent {
	parsed := transcript.ParseLine(fc, line)
	if parsed == nil {
		return nil
	}
	binding, err := e.cfg.Index.Resolve(fc.AgentID, fc.SessionID)
	if err != nil {
		e.cfg.Logger.Warn("binding resolve failed", "path", path, "error", err)
		return nil
	}
	if binding == nil {
		return nil
	}
	return BuildEvents(binding, parsed, e.cfg.Redactor)
}

// lineReader yields complete newline-terminated lines with bounded memory.
// Over-long lines are consumed and reported as nil content so the caller can
// advance past them.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, readBufferSize)}
}

// next returns the content of the next complete line (without its newline),
// the byte count consumed including the newline, and whether a complete line
// was available. A nil content with complete=true means the line exceeded
// maxLineBytes and was dropped. A trailing partial line is never consumed
// logically: complete=false tells the caller to retry once more bytes exist.
func (lr *lineReader) next() (content []byte, n int64, complete bool, err error) {
	var buf []byte
	dropped := false
	for {
		chunk, rerr := lr.r.ReadSlice('\n')
		n += int64(len(chunk))
		if !dropped {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes+1 {
				dropped = true
				buf = nil
			}
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		if rerr == io.EOF {
			// No newline yet: the writer is mid-line.
			return nil, 0, false, io.EOF
		}
		if rerr != nil {
			return nil, n, false, rerr
		}
		if dropped {
			return nil, n, true, nil
		}
		content = bytes.TrimSuffix(buf, []byte("\n"))
		content = bytes.TrimSuffix(content, []byte("\r"))
		if len(content) > maxLineBytes {
			return nil, n, true, nil
		}
		// Peek ahead so the caller learns about EOF on the last line.
		if _, perr := lr.r.Peek(1); perr == io.EOF {
			return content, n, true, io.EOF
		}
		return content, n, true, nil
	}
}
