package results

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
)

const codeUniqueViolation = "23505"

// Schema creates the archive tables. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS quiz_sessions (
	id              UUID PRIMARY KEY,
	code            TEXT        NOT NULL,
	title           TEXT        NOT NULL,
	host_id         TEXT        NOT NULL,
	total_questions INT         NOT NULL,
	end_time        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS quiz_sessions_code_idx ON quiz_sessions (code, end_time DESC);

CREATE TABLE IF NOT EXISTS quiz_results (
	session_id UUID          NOT NULL REFERENCES quiz_sessions (id),
	rank       INT           NOT NULL,
	student_id TEXT          NOT NULL,
	name       TEXT          NOT NULL,
	score      INT           NOT NULL,
	answered   INT           NOT NULL,
	correct    INT           NOT NULL,
	accuracy   NUMERIC(5, 4) NOT NULL,
	PRIMARY KEY (session_id, student_id)
);`

// DB is the subset of *pgxpool.Pool the archive uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Config struct {
	EventBus *event.Bus
	DB       DB
	Now      func() time.Time
}

// Service archives the outcome of every finished quiz.
type Service struct {
	db  DB
	now func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		db:  c.DB,
		now: c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	c.EventBus.Subscribe(domain.EventNameQuizEnded, func(ctx context.Context, e event.Event) error {
		_, err := s.Archive(ctx, e.(domain.EventQuizEnded))
		return err
	})

	return s
}

// Migrate creates the archive tables if they do not exist.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Result is one archived participant outcome.
type Result struct {
	Rank      int             `json:"rank"`
	StudentID string          `json:"student_id"`
	Name      string          `json:"name"`
	Score     int             `json:"score"`
	Answered  int             `json:"answered"`
	Correct   int             `json:"correct"`
	Accuracy  decimal.Decimal `json:"accuracy"`
}

// Archive stores a finished quiz with one row per participant and returns the archive id.
// Quizzes aborted from the lobby have no participants and are not stored.
func (s *Service) Archive(ctx context.Context, e domain.EventQuizEnded) (id uuid.UUID, err error) {
	if len(e.Results) == 0 {
		return uuid.Nil, nil
	}

	id, err = uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate archive ID: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `INSERT INTO quiz_sessions (id, code, title, host_id, total_questions, end_time) VALUES ($1, $2, $3, $4, $5, $6);`
		insResultStmt  = `INSERT INTO quiz_results (session_id, rank, student_id, name, score, answered, correct, accuracy) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	)

	_, err = tx.Exec(ctx, insSessionStmt, id, e.Code, e.Title, e.HostID, e.TotalQuestions, s.now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert session: %w", err)
	}

	for _, r := range e.Results { // TODO: Batch insert
		_, err = tx.Exec(ctx, insResultStmt, id, r.Rank, r.ID, r.Name, r.Score, r.Answered, r.Correct, Accuracy(r.Correct, e.TotalQuestions))

		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return uuid.Nil, errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("result already archived: code=%s student=%s", e.Code, r.ID),
				errors.WithCause(err))
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert result: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}

	return id, nil
}

type ListResultsRequest struct {
	Code string
}

// ListResults returns the results of the most recent archived quiz played under the code,
// in final leaderboard order.
func (s *Service) ListResults(ctx context.Context, req ListResultsRequest) ([]Result, error) {
	const stmt = `
SELECT rank, student_id, name, score, answered, correct, accuracy
FROM quiz_results
WHERE session_id = (
	SELECT id FROM quiz_sessions WHERE code = $1 ORDER BY end_time DESC LIMIT 1
)
ORDER BY rank;`

	rows, err := s.db.Query(ctx, stmt, req.Code)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Result, error) {
		var res Result
		if err := r.Scan(&res.Rank, &res.StudentID, &res.Name, &res.Score, &res.Answered, &res.Correct, &res.Accuracy); err != nil {
			return Result{}, err
		}
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect results: %w", err)
	}

	if len(results) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no archived results: code=%s", req.Code))
	}

	return results, nil
}

// Accuracy is the share of questions answered correctly, rounded to four places.
func Accuracy(correct, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(correct)).Div(decimal.NewFromInt(int64(total))).Round(4)
}
