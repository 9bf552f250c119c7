//go:build integration_test

package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/domain"
)

const (
	grpcAddr = "localhost:9090"
	wsAddr   = "ws://localhost:8080"
)

// TestQuiz plays a full quiz against a running server configured from config/config.yaml.
func TestQuiz(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		qc = makeQuizClient(t)
		wg = new(sync.WaitGroup)
	)

	var (
		questions = []domain.Question{
			{Text: "2 + 2?", Options: map[string]string{"A": "4", "B": "5"}, CorrectAnswer: "A"},
			{Text: "3 * 3?", Options: map[string]string{"A": "6", "B": "9"}, CorrectAnswer: "B"},
			{Text: "10 / 2?", Options: map[string]string{"A": "5", "B": "2"}, CorrectAnswer: "A"},
		}
		users = []string{"u1", "u2", "u3"}
	)

	// Create new session
	resp, err := qc.CreateSession(ctx, &api.CreateSessionRequest{
		HostID:    "quizmaster",
		Title:     "Arithmetic",
		Questions: questions,
	})
	require.NoError(t, err)
	code := resp.Code

	// Prepare Redis subscriber
	subscribeAsUser(t, makeRedis(t), wg, code, "u1")

	host := join(t, code, url.Values{"role": {"host"}})
	students := make(map[string]*websocket.Conn, len(users))
	for _, u := range users {
		students[u] = join(t, code, url.Values{"student_name": {u}, "student_id": {u}})
		waitFor(t, host, "lobby_update")
	}

	send(t, host, "start")

	// For each question, all users will submit answers concurrently
	for i := range questions {
		t.Logf("Starting question %d", i)

		var eg errgroup.Group
		for u, conn := range students {
			eg.Go(func() error {
				if _, err := readUntil(conn, "new_question"); err != nil {
					return fmt.Errorf("user %q wait for question: %w", u, err)
				}
				if err := conn.WriteJSON(map[string]string{"action": "submit_answer", "answer": "A"}); err != nil {
					return fmt.Errorf("user %q submit answer: %w", u, err)
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		for range users {
			waitFor(t, host, "student_answered")
		}

		time.Sleep(500 * time.Millisecond)
		send(t, host, "next_question")
	}

	end := waitFor(t, host, "quiz_end")
	t.Logf("final leaderboard: %s", end)

	lb, err := qc.GetLeaderboard(ctx, &api.GetLeaderboardRequest{Code: code})
	require.NoError(t, err)
	require.True(t, lb.Final)
	require.Len(t, lb.Leaderboard, len(users))

	_, err = qc.EndSession(ctx, &api.EndSessionRequest{Code: code})
	require.NoError(t, err)

	wg.Wait()
}

func makeQuizClient(t *testing.T) *api.Client {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return api.NewClient(conn)
}

func join(t *testing.T, code string, q url.Values) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/ws/quiz/%s?%s", wsAddr, code, q.Encode()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, action string) {
	require.NoError(t, conn.WriteJSON(map[string]string{"action": action}))
}

func waitFor(t *testing.T, conn *websocket.Conn, typ string) []byte {
	msg, err := readUntil(conn, typ)
	require.NoError(t, err)
	return msg
}

func readUntil(conn *websocket.Conn, typ string) ([]byte, error) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return nil, err
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		if m.Type == typ {
			return msg, nil
		}
	}
}

// subscribeAsUser logs every standing published for the user until the final one arrives.
func subscribeAsUser(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, code, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("livequiz:quiz:%s:player:%s", code, u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var s api.Standing
				if err := json.Unmarshal(n.Data, &s); err != nil {
					t.Logf("unmarshal standing: %v", err)
					continue
				}

				t.Logf("%s standing: %s", u, formatStanding(s))
				if s.Final {
					return
				}
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, pattern string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	sub := rc.PSubscribe(ctx, pattern)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatStanding(s api.Standing) string {
	return fmt.Sprintf("#%d %s: %d (final=%t)", s.Rank, s.Name, s.Score, s.Final)
}
