package leaderboard

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
)

const (
	publishInterval  = 200 * time.Millisecond
	defaultRetention = 24 * time.Hour
)

// updateScript writes a live score unless the final leaderboard (KEYS[1]) is already stored.
// KEYS: final, leaderboard, names. ARGV: score, student id, name, retention in ms.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string

	// Retention is how long mirrored leaderboards outlive their last update.
	Retention time.Duration
}

// Service mirrors quiz leaderboards into Redis so they can be read outside the process that
// runs the quiz and after the session itself has been discarded.
type Service struct {
	eb        *event.Bus
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		redis:     c.Redis,
		prefix:    c.Prefix,
		retention: c.Retention,
	}

	if s.retention <= 0 {
		s.retention = defaultRetention
	}

	s.eb.Subscribe(domain.EventNameAnswerRecorded, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventAnswerRecorded))
	})
	s.eb.Subscribe(domain.EventNameQuizEnded, func(ctx context.Context, e event.Event) error {
		return s.StoreFinal(ctx, e.(domain.EventQuizEnded))
	})
	s.eb.Subscribe(domain.EventNameSessionDiscarded, func(ctx context.Context, e event.Event) error {
		return s.Discard(ctx, e.(domain.EventSessionDiscarded).Code)
	})

	return s
}

type GetLeaderboardRequest struct {
	Code string
}

// GetLeaderboard returns the final leaderboard of a quiz if it has ended, otherwise the live
// standings. Ties in the live standings are ordered by Redis, not by join order.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	b, err := s.redis.Get(ctx, s.finalKey(req.Code)).Bytes()
	switch {
	case err == nil:
		var entries []domain.LeaderboardEntry
		if err := json.Unmarshal(b, &entries); err != nil {
			return nil, fmt.Errorf("decode final leaderboard: %w", err)
		}
		return &domain.Leaderboard{Code: req.Code, Entries: entries}, nil
	case !stderrors.Is(err, redis.Nil):
		return nil, fmt.Errorf("get final leaderboard: %w", err)
	}

	l, _, err := s.live(ctx, req.Code)
	return l, err
}

// live reads the live standings together with the student id of each entry.
func (s *Service) live(ctx context.Context, code string) (*domain.Leaderboard, []string, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.leaderboardKey(code), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: code=%s", code))
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}

	names, err := s.redis.HMGet(ctx, s.namesKey(code), ids...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("get names: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		name, _ := names[i].(string)
		entries = append(entries, domain.LeaderboardEntry{
			Name:  name,
			Score: int(z.Score),
		})
	}

	return &domain.Leaderboard{
		Code:    code,
		Entries: entries,
	}, ids, nil
}

// UpdateLeaderboard overwrites the student's score in the live leaderboard. Answers that
// arrive after the final leaderboard was stored are dropped; the check and the write are
// one atomic script.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventAnswerRecorded) error {
	keys := []string{s.finalKey(e.Code), s.leaderboardKey(e.Code), s.namesKey(e.Code)}

	// TODO: retry on error
	written, err := updateScript.Run(ctx, s.redis, keys,
		e.TotalScore, e.StudentID, e.StudentName, s.retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}
	if written == 0 {
		return nil
	}

	return s.schedulePublishLeaderboard(ctx, e.Code)
}

// schedulePublishLeaderboard publishes the live leaderboard at most once per interval.
// A burst of answers right after a question is shown would otherwise publish one update each.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, code string) error {
	ok, err := s.redis.SetNX(ctx, s.timeKey(code), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, ids, err := s.live(ctx, code)
	if errors.HasCode(err, errors.CodeNotFound) {
		// The final leaderboard replaced the live one; StoreFinal publishes it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("get leaderboard failed: code=%s: %w", code, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l, StudentIDs: ids})
	return nil
}

// StoreFinal replaces the live leaderboard with the final one, keeping its order verbatim.
func (s *Service) StoreFinal(ctx context.Context, e domain.EventQuizEnded) error {
	entries := e.Leaderboard.Entries
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}

	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode final leaderboard: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.finalKey(e.Code), b, s.retention)
		p.Del(ctx, s.leaderboardKey(e.Code), s.namesKey(e.Code), s.timeKey(e.Code))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store final leaderboard: %w", err)
	}

	ids := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		ids = append(ids, r.ID)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{Code: e.Code, Entries: entries},
		StudentIDs:  ids,
		Final:       true,
	})
	return nil
}

// Discard drops the live standings of a session. A stored final leaderboard is kept until
// it expires.
func (s *Service) Discard(ctx context.Context, code string) error {
	if err := s.redis.Del(ctx, s.leaderboardKey(code), s.namesKey(code), s.timeKey(code)).Err(); err != nil {
		return fmt.Errorf("discard leaderboard: %w", err)
	}
	return nil
}

func (s *Service) leaderboardKey(code string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, code)
}

func (s *Service) namesKey(code string) string {
	return fmt.Sprintf("%s:%s:names", s.prefix, code)
}

func (s *Service) finalKey(code string) string {
	return fmt.Sprintf("%s:%s:final", s.prefix, code)
}

func (s *Service) timeKey(code string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, code)
}
