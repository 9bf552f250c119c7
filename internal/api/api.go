package api

import (
	"context"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/registry"
	"github.com/victornm/livequiz/internal/results"
)

type Config struct {
	GRPC     *grpc.Server
	EventBus *event.Bus
	Registry *registry.Registry

	// Optional collaborators. A nil value disables the feature that needs it.
	Leaderboard  *leaderboard.Service
	Results      *results.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// API serves session discovery over HTTP and gRPC. Live play happens over WebSocket.
type API struct {
	reg     *registry.Registry
	ls      *leaderboard.Service
	results *results.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		reg:     c.Registry,
		ls:      c.Leaderboard,
		results: c.Results,
		redis:   c.Redis,
		prefix:  c.PubsubPrefix,
	}

	// gRPC APIs
	if c.GRPC != nil {
		RegisterQuizServiceServer(c.GRPC, a)
	}

	// Register event handlers
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return a
}

type (
	CreateSessionRequest struct {
		HostID    string            `json:"host_id"`
		Title     string            `json:"title"`
		Questions []domain.Question `json:"questions"`
	}

	CreateSessionResponse struct {
		Code  string `json:"code"`
		Title string `json:"title"`
	}

	CheckCodeRequest struct {
		Code string `json:"code"`
	}

	CheckCodeResponse struct {
		Valid bool   `json:"valid"`
		Title string `json:"title"`
	}

	GetLeaderboardRequest struct {
		Code string `json:"code"`
	}

	GetLeaderboardResponse struct {
		Code        string                    `json:"code"`
		Final       bool                      `json:"final"`
		Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
	}

	EndSessionRequest struct {
		Code string `json:"code"`
	}

	EndSessionResponse struct{}
)

func (a *API) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	s, err := a.reg.CreateSession(ctx, registry.CreateSessionRequest{
		HostID:    req.HostID,
		Title:     req.Title,
		Questions: req.Questions,
	})
	if err != nil {
		return nil, err
	}

	return &CreateSessionResponse{
		Code:  s.Code(),
		Title: s.Title(),
	}, nil
}

// CheckCode reports whether a student can still join the session. Unknown codes fail with
// NotFound, ended sessions with FailedPrecondition.
func (a *API) CheckCode(_ context.Context, req *CheckCodeRequest) (*CheckCodeResponse, error) {
	s, err := a.reg.GetSession(req.Code)
	if err != nil {
		return nil, err
	}

	if s.State() == domain.StateEnded {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("quiz has already ended: code=%s", s.Code()))
	}

	return &CheckCodeResponse{
		Valid: true,
		Title: s.Title(),
	}, nil
}

// GetLeaderboard reads the standings from the live session, falling back to the Redis mirror
// once the session has been discarded.
func (a *API) GetLeaderboard(ctx context.Context, req *GetLeaderboardRequest) (*GetLeaderboardResponse, error) {
	s, err := a.reg.GetSession(req.Code)
	if err == nil {
		return &GetLeaderboardResponse{
			Code:        s.Code(),
			Final:       s.State() == domain.StateEnded,
			Leaderboard: s.Leaderboard(),
		}, nil
	}

	if a.ls == nil || !errors.HasCode(err, errors.CodeNotFound) {
		return nil, err
	}

	l, err := a.ls.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Code: req.Code})
	if err != nil {
		return nil, err
	}

	// Discarded sessions only keep their final standings in the mirror.
	return &GetLeaderboardResponse{
		Code:        l.Code,
		Final:       true,
		Leaderboard: l.Entries,
	}, nil
}

func (a *API) EndSession(ctx context.Context, req *EndSessionRequest) (*EndSessionResponse, error) {
	if err := a.reg.EndSession(ctx, req.Code); err != nil {
		return nil, err
	}

	return &EndSessionResponse{}, nil
}
