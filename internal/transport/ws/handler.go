// Package ws carries the live quiz protocol over WebSocket connections.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/protocol"
	"github.com/victornm/livequiz/internal/quiz"
	"github.com/victornm/livequiz/internal/telemetry"
)

const (
	RoleHost    = "host"
	RoleStudent = "student"
)

// Close reasons are limited to 123 bytes by the protocol.
const maxCloseReason = 123

var errHostOnly = errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can do that"))

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Sessions interface {
	GetSession(code string) (*quiz.Session, error)
}

type Config struct {
	Sessions Sessions
	Metrics  *telemetry.Metrics
}

type Handler struct {
	sessions Sessions
	metrics  *telemetry.Metrics
}

func NewHandler(c Config) *Handler {
	return &Handler{
		sessions: c.Sessions,
		metrics:  c.Metrics,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws/quiz/:code", h.ServeQuiz)
}

// peer is an accepted connection bound to its session.
type peer struct {
	*client
	id      string
	session *quiz.Session
}

// ServeQuiz upgrades the request and joins the connection to the session named by the code.
// Joins that cannot be accepted are closed with a close code derived from the error.
func (h *Handler) ServeQuiz(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "ws: upgrade failed", "error", err)
		return
	}

	p, err := h.join(c, conn)
	if err != nil {
		slog.InfoContext(ctx, "ws: join rejected", "code", c.Param("code"), "error", err)
		reject(conn, err)
		return
	}

	slog.InfoContext(ctx, "ws: joined", "code", p.session.Code(), "role", p.role, "student_id", p.id)
	h.metrics.ConnectionOpened(p.role)
	defer h.metrics.ConnectionClosed(p.role)

	go p.writePump()
	h.readPump(ctx, p)

	p.leave()
	_ = p.Close()
	slog.InfoContext(ctx, "ws: left", "code", p.session.Code(), "role", p.role, "student_id", p.id)
}

func (h *Handler) join(c *gin.Context, conn *websocket.Conn) (peer, error) {
	s, err := h.sessions.GetSession(c.Param("code"))
	if err != nil {
		return peer{}, err
	}

	switch role := c.DefaultQuery("role", RoleStudent); role {
	case RoleHost:
		p := peer{client: newClient(conn, role, h.metrics), session: s}
		return p, s.ConnectHost(p.client)

	case RoleStudent:
		name := strings.TrimSpace(c.Query("student_name"))
		if name == "" {
			return peer{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("student_name is required"))
		}

		id := c.Query("student_id")
		if id == "" {
			id = uuid.NewString()
		}

		p := peer{client: newClient(conn, role, h.metrics), id: id, session: s}
		return p, s.ConnectStudent(id, name, p.client)

	default:
		return peer{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown role %q", role))
	}
}

// readPump decodes inbound frames and applies them to the session in arrival order. Errors
// go back to this connection only.
func (h *Handler) readPump(ctx context.Context, p peer) {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "ws: read failed", "role", p.role, "error", err)
			}
			return
		}

		m, err := protocol.DecodeInbound(b)
		if err == nil {
			err = dispatch(ctx, p, m)
		}
		if err != nil {
			p.reply(err)
		}
	}
}

func dispatch(ctx context.Context, p peer, m protocol.Inbound) error {
	if protocol.HostOnly(m) && p.role != RoleHost {
		return errHostOnly
	}

	switch m := m.(type) {
	case protocol.Start:
		return p.session.Start(ctx)
	case protocol.NextQuestion:
		return p.session.NextQuestion(ctx)
	case protocol.EndQuiz:
		return p.session.EndQuiz(ctx)
	case protocol.SubmitAnswer:
		// The host is not a participant, so its answers are ignored like any unknown id.
		if p.role == RoleStudent {
			p.session.HandleAnswer(ctx, p.id, m.Answer)
		}
		return nil
	default:
		panic(fmt.Sprintf("ws: unhandled inbound message %T", m))
	}
}

func (p peer) reply(err error) {
	b, encErr := protocol.Encode(protocol.ErrorFrom(err))
	if encErr != nil {
		slog.Error("ws: encode error reply failed", "error", encErr)
		return
	}
	_ = p.Send(b)
}

func (p peer) leave() {
	if p.role == RoleHost {
		p.session.DisconnectHost(p.client)
		return
	}
	p.session.Leave(p.id, p.client)
}

// reject closes a connection that never joined a session.
func reject(conn *websocket.Conn, err error) {
	e := errors.Convert(err)

	reason := e.Message
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	msg := websocket.FormatCloseMessage(e.CloseCode(), reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
