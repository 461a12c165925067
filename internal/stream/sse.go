package stream

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// RawFrame is one parsed inbound SSE frame.
type RawFrame struct {
	Event string
	Data  string
}

// ScanSSE reads an SSE body and invokes fn for every data-carrying frame.
// Comment lines are skipped. Returns the first fn error, a read error, or
// ctx.Err on cancellation; io.EOF is reported as nil.
func ScanSSE(ctx context.Context, r io.Reader, fn func(RawFrame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if err := fn(RawFrame{Event: eventType, Data: data}); err != nil {
				return err
			}
		case line == "":
			eventType = ""
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
