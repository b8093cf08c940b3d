package provider

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// eventReader splits a text/event-stream body into event payloads.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// next returns the data of the next event, joining multi-line data fields.
// Comment lines and other fields are skipped.
func (e *eventReader) next() (string, error) {
	var data []string
	for {
		line, err := e.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if errors.Is(err, io.EOF) {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", io.EOF
		}
	}
}

type sseStream struct {
	ctx    context.Context
	body   io.ReadCloser
	events *eventReader
}

// Next implements Stream.
func (s *sseStream) Next() (*Chunk, error) {
	for {
		data, err := s.events.next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, transportError(s.ctx, "generate_stream")
		}
		if data == "[DONE]" {
			return nil, io.EOF
		}
		if strings.TrimSpace(data) == "" {
			continue
		}
		chunk, err := parseResponse([]byte(data))
		if err != nil {
			return nil, &Error{Op: "generate_stream", Kind: ErrRejected}
		}
		return chunk, nil
	}
}

// Close implements Stream.
func (s *sseStream) Close() error {
	return s.body.Close()
}
