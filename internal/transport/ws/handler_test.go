package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/quiz"
	"github.com/victornm/livequiz/internal/registry"
	"github.com/victornm/livequiz/internal/transport/ws"
)

func TestServeQuiz_RejectsJoin(t *testing.T) {
	tests := map[string]struct {
		arrange   func(t *testing.T, r *registry.Registry) (code string, q url.Values)
		wantClose int
	}{
		"unknown code": {
			arrange: func(t *testing.T, r *registry.Registry) (string, url.Values) {
				return "NOPE42", url.Values{"student_name": {"Alice"}}
			},
			wantClose: 4404,
		},
		"student without a name": {
			arrange: func(t *testing.T, r *registry.Registry) (string, url.Values) {
				return create(t, r).Code(), url.Values{"role": {"student"}, "student_name": {"  "}}
			},
			wantClose: 4400,
		},
		"unknown role": {
			arrange: func(t *testing.T, r *registry.Registry) (string, url.Values) {
				return create(t, r).Code(), url.Values{"role": {"admin"}}
			},
			wantClose: 4400,
		},
		"quiz already ended": {
			arrange: func(t *testing.T, r *registry.Registry) (string, url.Values) {
				s := create(t, r)
				require.NoError(t, s.Start(context.Background()))
				require.NoError(t, s.EndQuiz(context.Background()))
				return s.Code(), url.Values{"student_name": {"Alice"}}
			},
			wantClose: 4410,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r, base := newServer(t)
			code, q := tt.arrange(t, r)

			conn := dial(t, base, code, q)

			assert.Equal(t, tt.wantClose, closeCode(t, conn))
		})
	}
}

func TestServeQuiz_FullQuiz(t *testing.T) {
	r, base := newServer(t)
	s := create(t, r)

	host := dial(t, base, s.Code(), url.Values{"role": {"host"}})
	waitFor(t, host, lobbyOf(0))

	alice := dial(t, base, s.Code(), url.Values{"student_name": {"Alice"}, "student_id": {"alice"}})
	waitFor(t, alice, lobbyOf(1))
	lobby := waitFor(t, host, lobbyOf(1))
	assert.Equal(t, []domain.Player{{ID: "alice", Name: "Alice"}}, lobby.Players)

	send(t, host, `{"action":"start"}`)
	q := waitFor(t, alice, ofType("new_question"))
	assert.Equal(t, 0, q.CurrentIndex)
	assert.Equal(t, 2, q.TotalQuestions)
	assert.NotContains(t, string(q.raw), "correct_answer")

	send(t, alice, `{"action":"submit_answer","answer":"A"}`)
	answered := waitFor(t, host, ofType("student_answered"))
	assert.Equal(t, "alice", answered.StudentID)

	send(t, host, `{"action":"next_question"}`)
	q = waitFor(t, alice, ofType("new_question"))
	assert.Equal(t, 1, q.CurrentIndex)

	send(t, alice, `{"action":"submit_answer","answer":"A"}`)
	waitFor(t, host, ofType("student_answered"))

	send(t, host, `{"action":"next_question"}`)
	for _, conn := range []*websocket.Conn{host, alice} {
		end := waitFor(t, conn, ofType("quiz_end"))
		assert.Equal(t, []domain.LeaderboardEntry{{Name: "Alice", Score: 100}}, end.Leaderboard)
	}
	assert.Equal(t, domain.StateEnded, s.State())
}

func TestServeQuiz_StudentCannotDriveQuiz(t *testing.T) {
	r, base := newServer(t)
	s := create(t, r)

	alice := dial(t, base, s.Code(), url.Values{"student_name": {"Alice"}})
	waitFor(t, alice, lobbyOf(1))

	send(t, alice, `{"action":"start"}`)
	got := waitFor(t, alice, ofType("error"))

	assert.Equal(t, int(codes.PermissionDenied), got.Code)
	assert.Equal(t, domain.StateLobby, s.State())
}

func TestServeQuiz_BadMessagesKeepConnectionOpen(t *testing.T) {
	r, base := newServer(t)
	s := create(t, r)

	host := dial(t, base, s.Code(), url.Values{"role": {"host"}})
	waitFor(t, host, lobbyOf(0))

	send(t, host, `not json`)
	got := waitFor(t, host, ofType("error"))
	assert.Equal(t, int(codes.InvalidArgument), got.Code)

	send(t, host, `{"action":"dance"}`)
	got = waitFor(t, host, ofType("error"))
	assert.Contains(t, got.Message, "dance")

	send(t, host, `{"action":"next_question"}`)
	got = waitFor(t, host, ofType("error"))
	assert.Equal(t, int(codes.FailedPrecondition), got.Code)

	send(t, host, `{"action":"start"}`)
	waitFor(t, host, ofType("new_question"))
}

func TestServeQuiz_DisconnectUpdatesLobby(t *testing.T) {
	r, base := newServer(t)
	s := create(t, r)

	host := dial(t, base, s.Code(), url.Values{"role": {"host"}})
	alice := dial(t, base, s.Code(), url.Values{"student_name": {"Alice"}})
	waitFor(t, alice, lobbyOf(1))
	bob := dial(t, base, s.Code(), url.Values{"student_name": {"Bob"}})
	waitFor(t, host, lobbyOf(2))

	require.NoError(t, bob.Close())

	lobby := waitFor(t, host, lobbyOf(1))
	require.Len(t, lobby.Players, 1)
	assert.Equal(t, "Alice", lobby.Players[0].Name)
}

func TestServeQuiz_ReconnectKeepsScore(t *testing.T) {
	r, base := newServer(t)
	s := create(t, r)
	q := url.Values{"student_name": {"Alice"}, "student_id": {"alice"}}

	host := dial(t, base, s.Code(), url.Values{"role": {"host"}})
	first := dial(t, base, s.Code(), q)
	waitFor(t, host, lobbyOf(1))

	send(t, host, `{"action":"start"}`)
	waitFor(t, first, ofType("new_question"))
	send(t, first, `{"action":"submit_answer","answer":"A"}`)
	waitFor(t, host, ofType("student_answered"))

	second := dial(t, base, s.Code(), q)
	replay := waitFor(t, second, ofType("new_question"))
	assert.Equal(t, 0, replay.CurrentIndex)
	assert.Equal(t, websocket.CloseNormalClosure, closeCode(t, first))

	send(t, host, `{"action":"end_quiz"}`)
	end := waitFor(t, second, ofType("quiz_end"))
	assert.Equal(t, []domain.LeaderboardEntry{{Name: "Alice", Score: 100}}, end.Leaderboard)
}

func TestServeQuiz_EndSessionClosesConnections(t *testing.T) {
	r, base := newServer(t)
	s := create(t, r)

	host := dial(t, base, s.Code(), url.Values{"role": {"host"}})
	alice := dial(t, base, s.Code(), url.Values{"student_name": {"Alice"}})
	waitFor(t, host, lobbyOf(1))

	require.NoError(t, r.EndSession(context.Background(), s.Code()))

	assert.Equal(t, websocket.CloseNormalClosure, closeCode(t, host))
	assert.Equal(t, websocket.CloseNormalClosure, closeCode(t, alice))
}

type frame struct {
	Type           string                    `json:"type"`
	Players        []domain.Player           `json:"players"`
	Count          int                       `json:"count"`
	CurrentIndex   int                       `json:"current_index"`
	TotalQuestions int                       `json:"total_questions"`
	StudentID      string                    `json:"student_id"`
	Leaderboard    []domain.LeaderboardEntry `json:"leaderboard"`
	Code           int                       `json:"code"`
	Message        string                    `json:"message"`

	raw []byte
}

func ofType(typ string) func(frame) bool {
	return func(f frame) bool { return f.Type == typ }
}

func lobbyOf(n int) func(frame) bool {
	return func(f frame) bool { return f.Type == "lobby_update" && f.Count == n }
}

func newServer(t *testing.T) (*registry.Registry, string) {
	gin.SetMode(gin.TestMode)

	r := registry.New(registry.Config{})
	router := gin.New()
	ws.NewHandler(ws.Config{Sessions: r}).Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func create(t *testing.T, r *registry.Registry) *quiz.Session {
	s, err := r.CreateSession(context.Background(), registry.CreateSessionRequest{
		HostID: "teacher",
		Title:  "Capitals",
		Questions: []domain.Question{
			{Text: "Capital of France?", Options: map[string]string{"A": "Paris", "B": "Lyon"}, CorrectAnswer: "A"},
			{Text: "Capital of Italy?", Options: map[string]string{"A": "Milan", "B": "Rome"}, CorrectAnswer: "B"},
		},
	})
	require.NoError(t, err)
	return s
}

func dial(t *testing.T, base, code string, q url.Values) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/quiz/"+code+"?"+q.Encode(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// waitFor reads frames until one matches, skipping the rest.
func waitFor(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	for {
		_, b, err := conn.ReadMessage()
		require.NoError(t, err)

		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		f.raw = b

		if match(f) {
			return f
		}
	}
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}

		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	}
}
