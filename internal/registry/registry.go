package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/quiz"
)

const (
	CodeLength = 6

	// No 0/O or 1/I so codes can be read aloud and typed without confusion.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	defaultCodeAttempts = 16
)

type Config struct {
	EventBus event.Publisher

	// CodeAttempts bounds how many candidate codes are drawn before giving up.
	CodeAttempts int

	// NewCode overrides the code generator. Used by tests.
	NewCode func() (string, error)
}

// Registry maps join codes to live quiz sessions. Entries are only removed by EndSession;
// a session that has ended stays resolvable so its leaderboard can still be read.
type Registry struct {
	eb       event.Publisher
	attempts int
	newCode  func() (string, error)

	mu       sync.RWMutex
	sessions map[string]*quiz.Session
}

func New(c Config) *Registry {
	r := &Registry{
		eb:       c.EventBus,
		attempts: c.CodeAttempts,
		newCode:  c.NewCode,
		sessions: make(map[string]*quiz.Session),
	}

	if r.attempts <= 0 {
		r.attempts = defaultCodeAttempts
	}
	if r.newCode == nil {
		r.newCode = GenerateCode
	}

	return r
}

// CreateSessionRequest represents a request to create a new quiz session.
type CreateSessionRequest struct {
	// HostID identifies the creating host. It is informational only.
	HostID string
	Title  string
	// Questions are staged in the session and used when the host starts the quiz.
	Questions []domain.Question
}

func (req CreateSessionRequest) validate() error {
	if strings.TrimSpace(req.Title) == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("title is required"))
	}

	for i, q := range req.Questions {
		if err := q.Validate(); err != nil {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("question %d: %v", i+1, err),
				errors.WithCause(err))
		}
	}

	return nil
}

// CreateSession creates a session in the lobby state under a fresh code. Candidate codes are
// checked against the live ones and redrawn on collision.
func (r *Registry) CreateSession(ctx context.Context, req CreateSessionRequest) (*quiz.Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	s, err := r.insert(req)
	if err != nil {
		return nil, err
	}

	r.publish(ctx, domain.EventSessionCreated{
		Code:   s.Code(),
		HostID: s.HostID(),
		Title:  s.Title(),
	})

	return s, nil
}

func (r *Registry) insert(req CreateSessionRequest) (*quiz.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.attempts; i++ {
		code, err := r.newCode()
		if err != nil {
			return nil, errors.Internal(fmt.Errorf("generate code: %w", err))
		}

		code = normalize(code)
		if _, taken := r.sessions[code]; taken {
			continue
		}

		s := quiz.NewSession(quiz.Config{
			Code:      code,
			HostID:    req.HostID,
			Title:     req.Title,
			Questions: req.Questions,
			EventBus:  r.eb,
		})
		r.sessions[code] = s
		return s, nil
	}

	return nil, errors.New(errors.CodeInternal,
		errors.WithMessagef("no free session code after %d attempts", r.attempts))
}

// GetSession looks a session up by code, ignoring case and surrounding spaces.
func (r *Registry) GetSession(code string) (*quiz.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[normalize(code)]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: code=%s", code))
	}

	return s, nil
}

// EndSession discards the session: the code stops resolving and every connection is closed.
func (r *Registry) EndSession(ctx context.Context, code string) error {
	code = normalize(code)

	r.mu.Lock()
	s, ok := r.sessions[code]
	delete(r.sessions, code)
	r.mu.Unlock()

	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: code=%s", code))
	}

	s.Close()
	r.publish(ctx, domain.EventSessionDiscarded{Code: code})

	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// List returns a summary of every live session ordered by code.
func (r *Registry) List() []domain.Summary {
	r.mu.RLock()
	sessions := make([]*quiz.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]domain.Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b domain.Summary) int { return strings.Compare(a.Code, b.Code) })

	return out
}

func (r *Registry) publish(ctx context.Context, e event.Event) {
	if r.eb == nil {
		return
	}
	r.eb.Publish(ctx, e)
}

// GenerateCode draws a random join code from crypto/rand.
func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	limit := big.NewInt(int64(len(codeAlphabet)))

	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}

	return string(code), nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
