package job

import (
	"autofigure/internal/eventbus"
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode"
)

// maxLineSize caps a single log line. Longer lines are truncated and the
// remainder up to the next newline is dropped.
const maxLineSize = 1024 * 1024

// drain reads one output stream line by line until it ends or is closed.
// Each non-empty line is appended to the run log and published as a log
// event; stderr lines also become the job's last error context.
func (j *Job) drain(logger *slog.Logger, stream string, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		raw, truncated, err := readLine(br, maxLineSize)
		if truncated {
			logger.Warn("Output line exceeds limit, truncated", "stream", stream, "limit", maxLineSize)
		}
		if line := strings.TrimRightFunc(raw, unicode.IsSpace); line != "" {
			j.emitLine(logger, stream, line)
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return fmt.Errorf("drain %s: %w", stream, err)
		}
	}
}

func (j *Job) emitLine(logger *slog.Logger, stream, line string) {
	if err := j.appendLog(stream, line); err != nil {
		logger.Warn("Failed to append log line", "stream", stream, "error", err)
	}
	if stream == StreamStderr {
		j.setLastStderr(line)
	}
	j.bus.Publish(eventbus.EventLog, logData(stream, line))
}

// readLine returns the next line without its terminator, keeping at most
// limit bytes. A final line without a newline is returned together with
// the read error.
func readLine(br *bufio.Reader, limit int) (string, bool, error) {
	var b strings.Builder
	truncated := false

	for {
		chunk, isPrefix, err := br.ReadLine()
		if room := limit - b.Len(); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			b.Write(chunk)
		} else if len(chunk) > 0 {
			truncated = true
		}

		if err != nil || !isPrefix {
			return b.String(), truncated, err
		}
	}
}
