package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/agent"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/middleware"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stemsi/proctord/internal/telemetry"
	"github.com/stemsi/proctord/internal/validator"
	ws "github.com/stemsi/proctord/internal/websocket"
)

const (
	outboxSize   = 64
	actionQueue  = 32
	helloTimeout = 10 * time.Second
	// finalWait bounds how long the session loop waits for outbox room
	// when queueing a notice or exit frame.
	finalWait = 2 * time.Second
)

var errStreamClosed = errors.New("stream closed")

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the proctoring WebSocket. Each connection drives one
// server-side session; the browser reports signals and runs commands.
type WSHandler struct {
	proctors *service.ProctorService
	cfg      *config.Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(proctors *service.ProctorService, cfg *config.Config, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		proctors: proctors,
		cfg:      cfg,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(cfg.AllowedOrigins),
	}
}

type proctorStreamQuery struct {
	TestName  string `form:"test_name" binding:"max=256"`
	AttemptID string `form:"attempt_id" binding:"max=64"`
}

// ProctorStream godoc
// WS /ws/v1/student/tests/:test_id/proctor?token=...&test_name=...
// The first client frame must be a hello describing the platform.
func (h *WSHandler) ProctorStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID := c.Param("test_id")
	if testID == "" || len(testID) > 64 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var q proctorStreamQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	ws.KeepAlive(conn)

	wsLog := h.log.With().
		Str("user_id", claims.UserID).
		Str("test_id", testID).
		Logger()

	hello, ok := h.readHello(conn, wsLog)
	if !ok {
		return
	}

	out := newStream(conn, wsLog)
	go out.writeLoop()
	defer out.stop()

	ag := agent.New(out.send, h.cfg.Proctor.AgentCommandTimeout, wsLog)
	ag.Greet(hello)

	sess, release, err := h.proctors.Open(c.Request.Context(), service.OpenParams{
		UserID:      claims.UserID,
		TestID:      testID,
		TestName:    q.TestName,
		AttemptID:   q.AttemptID,
		Token:       middleware.GetToken(c),
		UserAgent:   hello.UserAgent,
		RemoteAddr:  c.ClientIP(),
		Fingerprint: telemetry.Fingerprint(hello.UserAgent, hello.Screen, hello.Timezone),
	}, ag, out.hooks())
	if err != nil {
		wsLog.Warn().Err(err).Msg("session rejected")
		out.trySend(errorFrame("", ws.ActionHello, err))
		return
	}
	defer release()
	defer ag.Close()

	wsLog.Info().Str("session_id", sess.ID().String()).Msg("Student connected")

	// Hijacked connections outlive the request context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &dispatcher{ctx: ctx, sess: sess, out: out, log: wsLog}
	actions := make(chan ws.RequestPayload, actionQueue)
	go d.run(actions)
	defer close(actions)

	out.trySend(ws.AckResponse{Event: ws.EventAck, Action: ws.ActionHello})
	if snap, err := sess.Snapshot(ctx); err == nil {
		out.trySend(ws.StateResponse{Event: ws.EventState, State: snap})
	}

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		// Command replies bypass the action queue: a queued action may be
		// waiting for exactly this reply.
		switch msg.Action {
		case ws.ActionReply:
			if msg.Reply == nil || !ag.Resolve(msg.ID, *msg.Reply) {
				wsLog.Debug().Str("id", msg.ID).Msg("unmatched reply")
			}
			continue
		case ws.ActionTrackEnded:
			ag.TrackEnded(msg.TrackID)
			continue
		case ws.ActionPing:
			out.trySend(ws.PongResponse{Event: ws.EventPong, ID: msg.ID})
			continue
		case ws.ActionHello:
			out.trySend(errorFrame(msg.ID, msg.Action, proctor.ErrInvalidTransition))
			continue
		case ws.ActionSignal:
			if msg.Signal != nil {
				ag.Observe(*msg.Signal)
			}
		}

		select {
		case actions <- msg:
		case <-out.done:
			return
		}
	}
}

func (h *WSHandler) readHello(conn *websocket.Conn, log zerolog.Logger) (ws.Hello, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var msg ws.RequestPayload
	if err := conn.ReadJSON(&msg); err != nil {
		log.Debug().Err(err).Msg("no hello received")
		return ws.Hello{}, false
	}

	if msg.Action != ws.ActionHello || msg.Hello == nil {
		_ = ws.WriteTyped(conn, ws.ErrorResponse{
			Event:  ws.EventError,
			ID:     msg.ID,
			Action: msg.Action,
			Code:   string(response.ErrInvalidPayload),
			Error:  "first frame must be hello",
		})
		return ws.Hello{}, false
	}
	if fields := validator.Struct(msg.Hello); fields != nil {
		_ = ws.WriteTyped(conn, ws.ErrorResponse{
			Event:  ws.EventError,
			ID:     msg.ID,
			Action: msg.Action,
			Code:   string(response.ErrValidation),
			Error:  response.GetMessage(response.ErrValidation),
			Fields: fields,
		})
		return ws.Hello{}, false
	}
	return *msg.Hello, true
}

// dispatcher applies client actions to the session in arrival order.
// Actions that wait on the user or the network run in their own goroutine.
type dispatcher struct {
	ctx  context.Context
	sess *proctor.Session
	out  *stream
	log  zerolog.Logger
}

func (d *dispatcher) run(actions <-chan ws.RequestPayload) {
	for msg := range actions {
		d.handle(msg)
	}
}

func (d *dispatcher) handle(msg ws.RequestPayload) {
	switch msg.Action {
	case ws.ActionAccept:
		d.async(msg, d.sess.Accept)
	case ws.ActionConfirm:
		d.async(msg, d.sess.Confirm)
	case ws.ActionSignal:
		d.signal(msg)
	case ws.ActionSubmitRequest:
		d.ack(msg, d.sess.RequestSubmit(d.ctx))
	case ws.ActionSubmitCancel:
		d.ack(msg, d.sess.CancelSubmit(d.ctx))
	case ws.ActionSubmitConfirm:
		d.submit(msg)
	case ws.ActionSubmissionStart:
		d.ack(msg, d.sess.SubmissionStart(d.ctx))
	case ws.ActionSubmissionEnd:
		d.ack(msg, d.sess.SubmissionEnd(d.ctx))
	case ws.ActionSetSubmitted:
		d.ack(msg, d.sess.SetSubmitted(d.ctx, msg.Submitted))
	case ws.ActionCleanup:
		d.ack(msg, d.sess.CleanupSecureMode(d.ctx))
	case ws.ActionExit:
		d.ack(msg, d.sess.ExitSecure(d.ctx))
	case ws.ActionCancel:
		d.ack(msg, d.sess.Cancel(d.ctx))
	case ws.ActionSnapshot:
		snap, err := d.sess.Snapshot(d.ctx)
		if err != nil {
			d.out.trySend(errorFrame(msg.ID, msg.Action, err))
			return
		}
		d.out.trySend(ws.StateResponse{Event: ws.EventState, State: snap})
	default:
		d.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		d.out.trySend(ws.ErrorResponse{
			Event:  ws.EventError,
			ID:     msg.ID,
			Action: msg.Action,
			Code:   string(response.ErrInvalidPayload),
			Error:  "unknown action: " + string(msg.Action),
		})
	}
}

func (d *dispatcher) async(msg ws.RequestPayload, fn func(context.Context) error) {
	go func() { d.ack(msg, fn(d.ctx)) }()
}

func (d *dispatcher) ack(msg ws.RequestPayload, err error) {
	if err != nil {
		d.out.trySend(errorFrame(msg.ID, msg.Action, err))
		return
	}
	d.out.trySend(ws.AckResponse{Event: ws.EventAck, ID: msg.ID, Action: msg.Action})
}

func (d *dispatcher) signal(msg ws.RequestPayload) {
	if msg.Signal == nil {
		d.out.trySend(ws.ErrorResponse{
			Event:  ws.EventError,
			ID:     msg.ID,
			Action: msg.Action,
			Code:   string(response.ErrInvalidPayload),
			Error:  response.GetMessage(response.ErrInvalidPayload),
		})
		return
	}
	if fields := validator.Struct(msg.Signal); fields != nil {
		d.out.trySend(ws.ErrorResponse{
			Event:  ws.EventError,
			ID:     msg.ID,
			Action: msg.Action,
			Code:   string(response.ErrValidation),
			Error:  response.GetMessage(response.ErrValidation),
			Fields: fields,
		})
		return
	}

	v, err := d.sess.Signal(d.ctx, *msg.Signal)
	if err != nil {
		d.out.trySend(errorFrame(msg.ID, msg.Action, err))
		return
	}
	d.out.trySend(ws.VerdictResponse{Event: ws.EventVerdict, ID: msg.ID, Verdict: v})
}

func (d *dispatcher) submit(msg ws.RequestPayload) {
	p, err := d.sess.Submit(d.ctx)
	if err != nil {
		d.out.trySend(submitFrame(msg.ID, proctor.Ack{}, err))
		return
	}
	go func() {
		ack, err := p.Wait(d.ctx)
		d.out.trySend(submitFrame(msg.ID, ack, err))
	}()
}

func submitFrame(id string, ack proctor.Ack, err error) ws.SubmitResponse {
	if err == nil {
		return ws.SubmitResponse{Event: ws.EventSubmitted, ID: id, OK: true, AttemptID: ack.AttemptID}
	}
	_, code := classify(err)
	res := ws.SubmitResponse{Event: ws.EventSubmitted, ID: id, Code: string(code), Error: response.GetMessage(code)}
	var se *proctor.SubmissionError
	if errors.As(err, &se) {
		res.Retry = !se.Fatal
	}
	return res
}

func errorFrame(id string, action ws.Action, err error) ws.ErrorResponse {
	_, code := classify(err)
	return ws.ErrorResponse{
		Event:  ws.EventError,
		ID:     id,
		Action: action,
		Code:   string(code),
		Error:  response.GetMessage(code),
	}
}

// stream owns the write side of a connection. Every frame goes through the
// outbox so a single goroutine writes to the socket.
type stream struct {
	conn *websocket.Conn
	log  zerolog.Logger

	outbox  chan any
	quit    chan struct{}
	closing chan struct{}
	done    chan struct{}

	quitOnce    sync.Once
	closingOnce sync.Once
}

func newStream(conn *websocket.Conn, log zerolog.Logger) *stream {
	return &stream{
		conn:    conn,
		log:     log,
		outbox:  make(chan any, outboxSize),
		quit:    make(chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// send queues v, waiting for room until ctx ends.
func (s *stream) send(ctx context.Context, v any) error {
	select {
	case s.outbox <- v:
		return nil
	case <-s.done:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues v without blocking. State and violation hooks use it.
func (s *stream) trySend(v any) {
	select {
	case s.outbox <- v:
	default:
		s.log.Warn().Msg("outbox full, frame dropped")
	}
}

// sendFinal queues a frame the client must see before the connection ends.
// The writer drains the outbox on its own, so the wait is short.
func (s *stream) sendFinal(v any) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWait)
	defer cancel()
	if err := s.send(ctx, v); err != nil {
		s.log.Warn().Err(err).Msg("final frame dropped")
	}
}

// closeAfterFlush ends the connection once queued frames are written.
func (s *stream) closeAfterFlush() {
	s.closingOnce.Do(func() { close(s.closing) })
}

// stop ends the writer and waits for it.
func (s *stream) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *stream) writeLoop() {
	defer close(s.done)

	ticker := time.NewTicker(ws.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v := <-s.outbox:
			if err := ws.WriteTyped(s.conn, v); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := ws.WritePing(s.conn); err != nil {
				return
			}
		case <-s.closing:
			s.flush()
			_ = ws.WriteClose(s.conn, websocket.CloseNormalClosure, "session ended")
			// Unblocks the reader.
			_ = s.conn.Close()
			return
		case <-s.quit:
			s.flush()
			_ = ws.WriteClose(s.conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (s *stream) flush() {
	for {
		select {
		case v := <-s.outbox:
			if err := ws.WriteTyped(s.conn, v); err != nil {
				return
			}
		default:
			return
		}
	}
}

// hooks forwards session events to the client. They run on the session
// loop; only the notice and exit frames wait for outbox room.
func (s *stream) hooks() proctor.Hooks {
	return proctor.Hooks{
		OnState: func(snap model.SessionSnapshot) {
			s.trySend(ws.StateResponse{Event: ws.EventState, State: snap})
		},
		OnViolation: func(v model.SecurityViolation) {
			s.trySend(ws.ViolationResponse{Event: ws.EventViolation, Violation: v})
		},
		OnNotice: func(n proctor.Notice) {
			s.sendFinal(ws.NoticeResponse{Event: ws.EventNotice, Notice: n})
		},
		OnExit: func(e proctor.Exit) {
			s.sendFinal(ws.ExitResponse{Event: ws.EventExit, Exit: e})
			s.closeAfterFlush()
		},
	}
}
