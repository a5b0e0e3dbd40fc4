package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxSSELineBytes = 1 << 20

// ErrStopStream may be returned by an SSE handler to end scanning without error.
var ErrStopStream = errors.New("stop stream")

// ScanSSE reads server-sent events from r and calls handle once per event with
// its event name (empty when absent) and the joined data lines. A "[DONE]" data
// payload ends the scan.
func ScanSSE(r io.Reader, handle func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	var (
		event string
		data  []string
	)

	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		payload := strings.Join(data, "\n")
		name := event
		event, data = "", data[:0]
		if payload == "[DONE]" {
			return ErrStopStream
		}
		return handle(name, payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return stopOrErr(err)
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return stopOrErr(dispatch())
}

func stopOrErr(err error) error {
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	return err
}
