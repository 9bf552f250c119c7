package api_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/registry"
)

func TestAPI_PublishLeaderboardUpdated(t *testing.T) {
	eb := event.NewBus()
	rc := &fakePubsub{published: make(map[string][]byte)}
	api.New(api.Config{
		EventBus:     eb,
		Registry:     registry.New(registry.Config{}),
		Redis:        rc,
		PubsubPrefix: "lq",
	})

	eb.Publish(context.Background(), domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{
			Code: "ABC234",
			Entries: []domain.LeaderboardEntry{
				{Name: "Bob", Score: 200},
				{Name: "Alice", Score: 100},
			},
		},
		StudentIDs: []string{"b", "a"},
		Final:      true,
	})
	eb.Stop()

	require.Len(t, rc.published, 3)

	var quiz struct {
		Event string          `json:"event"`
		Data  api.Leaderboard `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rc.published["lq:quiz:ABC234"], &quiz))
	assert.Equal(t, domain.EventNameLeaderboardUpdated, quiz.Event)
	assert.True(t, quiz.Data.Final)
	assert.Len(t, quiz.Data.Entries, 2)

	var alice struct {
		Data api.Standing `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rc.published["lq:quiz:ABC234:player:a"], &alice))
	assert.Equal(t, api.Standing{Code: "ABC234", Final: true, Rank: 2, StudentID: "a", Name: "Alice", Score: 100}, alice.Data)
}

func TestAPI_PublishStandingsPerStudent(t *testing.T) {
	tests := map[string]struct {
		event  domain.EventLeaderboardUpdated
		assert func(t *testing.T, published map[string][]byte)
	}{
		"players sharing a name get their own channels": {
			event: domain.EventLeaderboardUpdated{
				Leaderboard: domain.Leaderboard{
					Code:    "ABC234",
					Entries: []domain.LeaderboardEntry{{Name: "Alex", Score: 200}, {Name: "Alex", Score: 0}},
				},
				StudentIDs: []string{"s1", "s2"},
			},
			assert: func(t *testing.T, published map[string][]byte) {
				require.Len(t, published, 3)

				want := map[string]api.Standing{
					"lq:quiz:ABC234:player:s1": {Code: "ABC234", Rank: 1, StudentID: "s1", Name: "Alex", Score: 200},
					"lq:quiz:ABC234:player:s2": {Code: "ABC234", Rank: 2, StudentID: "s2", Name: "Alex", Score: 0},
				}
				for channel, standing := range want {
					var n struct {
						Data api.Standing `json:"data"`
					}
					require.NoError(t, json.Unmarshal(published[channel], &n), channel)
					assert.Equal(t, standing, n.Data, channel)
				}
			},
		},
		"missing student ids only publish the quiz channel": {
			event: domain.EventLeaderboardUpdated{
				Leaderboard: domain.Leaderboard{
					Code:    "ABC234",
					Entries: []domain.LeaderboardEntry{{Name: "Alex", Score: 200}},
				},
			},
			assert: func(t *testing.T, published map[string][]byte) {
				require.Len(t, published, 1)
				assert.Contains(t, published, "lq:quiz:ABC234")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rc := &fakePubsub{published: make(map[string][]byte)}
			a := api.New(api.Config{
				EventBus:     event.NewBus(),
				Registry:     registry.New(registry.Config{}),
				Redis:        rc,
				PubsubPrefix: "lq",
			})

			require.NoError(t, a.PublishLeaderboardUpdated(context.Background(), tt.event))
			tt.assert(t, rc.published)
		})
	}
}

func TestAPI_PublishEmptyLeaderboard(t *testing.T) {
	rc := &fakePubsub{published: make(map[string][]byte)}
	a := api.New(api.Config{EventBus: event.NewBus(), Registry: registry.New(registry.Config{}), Redis: rc})

	err := a.PublishLeaderboardUpdated(context.Background(), domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{Code: "ABC234"},
	})
	require.NoError(t, err)

	require.Len(t, rc.published, 1)
	assert.JSONEq(t,
		`{"event":"leaderboard.updated","data":{"code":"ABC234","final":false,"entries":[]}}`,
		string(rc.published[":quiz:ABC234"]))
}

type fakePubsub struct {
	mu        sync.Mutex
	published map[string][]byte
}

func (f *fakePubsub) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	f.published[channel] = message.([]byte)
	f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}
