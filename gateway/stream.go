package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync"
)

// ContentTypeNDJSON selects the duplex mode of the STREAM binding.
const ContentTypeNDJSON = "application/x-ndjson"

// handleStream serves POST /mcp.
//
// A JSON body carries one envelope and gets its response in the HTTP
// response. The first request of a session must be initialize; it is
// authenticated with the request credentials and the session token is
// returned in the Mcp-Session-Id header, which later requests echo.
//
// An NDJSON body switches to duplex mode: the exchange stays open, each
// request line is answered with a response line as soon as it completes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if isNDJSON(r) {
		s.handleDuplex(w, r)
		return
	}
	ctx := r.Context()
	body, err := readBody(r)
	if err != nil {
		badBody(w, err)
		return
	}
	token := r.Header.Get(SessionHeader)
	var sess *Session
	if token == "" {
		req, bad := DecodeRequest(body)
		if bad != nil {
			writeJSON(w, http.StatusOK, bad)
			return
		}
		if req.Method != MethodInitialize {
			writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, CodeInvalidRequest, "missing "+SessionHeader+" header"))
			return
		}
		if sess, err = s.auth.Authenticate(ctx, CredentialsFromRequest(r), BindingStream); err != nil {
			reject(w)
			return
		}
		if token, err = s.open(ctx, sess); err != nil {
			s.logger.Error(ctx, "failed to open session", "err", err)
			internalError(w)
			return
		}
	} else if sess, err = s.sessions.Lookup(ctx, token); err != nil {
		reject(w)
		return
	}
	w.Header().Set(SessionHeader, token)

	s.wg.Add(1)
	defer s.wg.Done()
	resp := s.dispatcher.Handle(ctx, sess, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDuplex serves an NDJSON exchange. A session opened by the exchange
// ends with it; a session resumed with its token outlives it.
func (s *Server) handleDuplex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.Header.Get(SessionHeader)
	var (
		sess  *Session
		err   error
		owned bool
	)
	if token != "" {
		sess, err = s.sessions.Lookup(ctx, token)
	} else {
		sess, err = s.auth.Authenticate(ctx, CredentialsFromRequest(r), BindingStream)
		if err == nil {
			owned = true
			if token, err = s.open(ctx, sess); err != nil {
				s.logger.Error(ctx, "failed to open session", "err", err)
				internalError(w)
				return
			}
		}
	}
	if err != nil {
		reject(w)
		return
	}
	if owned {
		defer s.end(context.WithoutCancel(ctx), token)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	rc := http.NewResponseController(w)
	_ = rc.EnableFullDuplex()
	h := w.Header()
	h.Set("Content-Type", ContentTypeNDJSON)
	h.Set(SessionHeader, token)
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	write := func(resp *Response) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := w.Write(append(resp.Encode(), '\n')); err != nil {
			cancel()
			return
		}
		if err := rc.Flush(); err != nil {
			cancel()
		}
	}
	br := bufio.NewReaderSize(r.Body, 64<<10)
	for ctx.Err() == nil {
		frame, err := readFrame(br)
		if errors.Is(err, errTooLarge) {
			write(tooLarge())
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug(ctx, "duplex exchange ended", "session", sess.ID, "err", err)
			}
			break
		}
		data := bytes.TrimSpace(frame)
		if len(data) == 0 {
			continue
		}
		wg.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer wg.Done()
			if resp := s.dispatcher.Handle(ctx, sess, data); resp != nil {
				write(resp)
			}
		}()
	}
	// The request side is done; answer what is in flight.
	wg.Wait()
}

// handleStreamClose serves DELETE /mcp, which ends the session named by the
// Mcp-Session-Id header on every instance.
func (s *Server) handleStreamClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.Header.Get(SessionHeader)
	if _, err := s.sessions.Lookup(ctx, token); err != nil {
		reject(w)
		return
	}
	s.end(ctx, token)
	w.WriteHeader(http.StatusNoContent)
}

func isNDJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == ContentTypeNDJSON
}
