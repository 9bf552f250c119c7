package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/livequiz/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		Code    string                    `json:"code"`
		Final   bool                      `json:"final"`
		Entries []domain.LeaderboardEntry `json:"entries"`
	}

	// Standing is a single player's view of a leaderboard update. Rank starts at 1.
	Standing struct {
		Code      string `json:"code"`
		Final     bool   `json:"final"`
		Rank      int    `json:"rank"`
		StudentID string `json:"student_id"`
		Name      string `json:"name"`
		Score     int    `json:"score"`
	}
)

// PublishLeaderboardUpdated fans a leaderboard update out over Redis pub/sub: the whole
// leaderboard on the quiz channel, and each player's own standing on a channel keyed by
// student id.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := Leaderboard{
		Code:    l.Code,
		Final:   e.Final,
		Entries: l.Entries,
	}
	if data.Entries == nil {
		data.Entries = []domain.LeaderboardEntry{}
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, a.quizChannel(l.Code), e.Name(), data)
	})

	if len(e.StudentIDs) != len(l.Entries) {
		slog.WarnContext(ctx, "pubsub: leaderboard without student ids, skip player channels", "code", l.Code)
		return eg.Wait()
	}

	for i, entry := range l.Entries {
		standing := Standing{
			Code:      l.Code,
			Final:     e.Final,
			Rank:      i + 1,
			StudentID: e.StudentIDs[i],
			Name:      entry.Name,
			Score:     entry.Score,
		}
		eg.Go(func() error {
			return a.publishNotification(ctx, a.playerChannel(l.Code, standing.StudentID), e.Name(), standing)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) quizChannel(code string) string {
	return fmt.Sprintf("%s:quiz:%s", a.prefix, code)
}

func (a *API) playerChannel(code, studentID string) string {
	return fmt.Sprintf("%s:quiz:%s:player:%s", a.prefix, code, studentID)
}
