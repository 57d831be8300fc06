package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
)

// errTooLarge reports an envelope longer than maxMessageSize.
var errTooLarge = errors.New("message too large")

// tooLarge is the reply to an oversized envelope. Its id is unknown since
// the envelope was never decoded.
func tooLarge() *Response {
	return errorResponse(nil, CodeInvalidRequest, errTooLarge.Error())
}

// readFrame returns the next newline-delimited frame of br. A frame longer
// than maxMessageSize is discarded up to its newline and reported as
// errTooLarge, leaving br positioned on the following frame.
func readFrame(br *bufio.Reader) ([]byte, error) {
	var (
		frame []byte
		over  bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !over {
			frame = append(frame, chunk...)
			if len(bytes.TrimRight(frame, "\r\n")) > maxMessageSize {
				over, frame = true, nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !(errors.Is(err, io.EOF) && (over || len(frame) > 0)) {
			return nil, err
		}
		if over {
			return nil, errTooLarge
		}
		return frame, nil
	}
}

// readBody reads a request body of at most maxMessageSize bytes.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxMessageSize {
		return nil, errTooLarge
	}
	return body, nil
}

// badBody answers a request whose body readBody refused.
func badBody(w http.ResponseWriter, err error) {
	if errors.Is(err, errTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, tooLarge())
		return
	}
	writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "unreadable body"))
}
