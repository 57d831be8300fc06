package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/skilder-ai/toolgate/bus"
)

// sseStream is the server side of one open event stream.
type sseStream struct {
	sess *Session
	// ctx is cancelled when the client disconnects.
	ctx context.Context
	out chan []byte
}

// handleSSE serves GET /sse. The handshake authenticates the caller, opens a
// session and announces the endpoint the client posts its messages to. The
// session ends with the stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.auth.Authenticate(ctx, CredentialsFromRequest(r), BindingSSE)
	if err != nil {
		reject(w)
		return
	}
	token, err := s.open(ctx, sess)
	if err != nil {
		s.logger.Error(ctx, "failed to open session", "err", err)
		internalError(w)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	st := &sseStream{sess: sess, ctx: ctx, out: make(chan []byte, 16)}
	s.attach(st)
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		s.detach(st)
		s.end(cleanup, token)
	}()

	sub, err := s.bus.Subscribe(ctx, sess.Scope.SessionInboxSubject(sess.ID), "sse", s.forwarded(st), bus.Ephemeral(s.sessions.maxAge))
	if err != nil {
		s.logger.Error(ctx, "failed to subscribe to session inbox", "session", sess.ID, "err", err)
		internalError(w)
		return
	}
	defer func() { _ = sub.Close(context.WithoutCancel(ctx)) }()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(SessionHeader, token)
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	endpoint := PathMessages + "?sessionId=" + url.QueryEscape(token)
	if err := writeEvent(w, rc, "endpoint", []byte(endpoint)); err != nil {
		return
	}
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-st.out:
			if err := writeEvent(w, rc, "message", data); err != nil {
				s.logger.Debug(ctx, "event stream write failed", "session", sess.ID, "err", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// handleMessage serves POST /messages. The response to the message is sent
// on the session's event stream; the POST itself is acknowledged with 202.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("sessionId")
	if token == "" {
		token = r.Header.Get(SessionHeader)
	}
	sess, err := s.sessions.Lookup(ctx, token)
	if err != nil {
		reject(w)
		return
	}
	body, err := readBody(r)
	if err != nil {
		badBody(w, err)
		return
	}
	if st := s.stream(sess.ID); st != nil {
		s.serve(st, body)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	// The stream is held by another instance.
	msg, err := bus.NewMessage(bus.TypeForward, json.RawMessage(body))
	if err != nil {
		// Not valid JSON: answer here, the stream owner would only echo the
		// same parse error.
		writeJSON(w, http.StatusOK, s.dispatcher.Handle(ctx, sess, body))
		return
	}
	bus.InjectTraceContext(ctx, msg)
	if err := s.bus.Publish(ctx, sess.Scope.SessionInboxSubject(sess.ID), msg); err != nil {
		s.logger.Error(ctx, "failed to forward message", "session", sess.ID, "err", err)
		internalError(w)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// forwarded serves messages posted to another instance.
func (s *Server) forwarded(st *sseStream) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) error {
		if msg.Type != bus.TypeForward {
			return fmt.Errorf("unexpected %q message on session inbox", msg.Type)
		}
		s.serve(st, msg.Data)
		return nil
	}
}

// serve dispatches body in the background and queues its response on st.
// Calls run with the stream's context so that a disconnect releases them.
func (s *Server) serve(st *sseStream, body []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := s.dispatcher.Handle(st.ctx, st.sess, body)
		if resp == nil {
			return
		}
		select {
		case st.out <- resp.Encode():
		case <-st.ctx.Done():
		}
	}()
}

func (s *Server) attach(st *sseStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.sess.ID] = st
}

func (s *Server) detach(st *sseStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[st.sess.ID] == st {
		delete(s.streams, st.sess.ID)
	}
}

func (s *Server) stream(sessionID string) *sseStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[sessionID]
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return rc.Flush()
}
