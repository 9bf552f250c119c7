package quiz

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/protocol"
)

// PointsPerCorrectAnswer is the flat reward for a correct answer. Wrong answers earn nothing;
// there is no partial credit and no speed bonus.
const PointsPerCorrectAnswer = 100

var (
	ErrNotInLobby    = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("quiz is not in the lobby"))
	ErrNotActive     = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("quiz is not active"))
	ErrAlreadyEnded  = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("quiz has ended"))
	ErrNoQuestions   = errors.New(errors.CodeInvalidArgument, errors.WithMessagef("quiz has no questions"))
	ErrSessionClosed = errors.New(errors.CodeNotFound, errors.WithMessagef("session has been discarded"))
)

// Conn is the outbound half of a participant connection.
//
// Send queues an encoded message for delivery and must return without waiting on the network:
// the session calls it while holding its lock. A failed Send only affects that connection.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

type Config struct {
	Code      string
	HostID    string
	Title     string
	Questions []domain.Question
	EventBus  event.Publisher
}

type participant struct {
	id      string
	name    string
	score   int
	answers map[int]answer
	conn    Conn
}

type answer struct {
	value  string
	points int
}

// Session is one live quiz. All operations are serialized by a single mutex, and every
// broadcast is enqueued while that mutex is held, so each connection observes messages in
// the order the state changed.
type Session struct {
	code   string
	hostID string
	title  string
	eb     event.Publisher

	mu           sync.Mutex
	state        domain.State
	staged       []domain.Question
	questions    []domain.Question
	index        int
	order        []string
	participants map[string]*participant
	host         Conn
	final        []domain.LeaderboardEntry
	closed       bool
}

func NewSession(c Config) *Session {
	return &Session{
		code:         c.Code,
		hostID:       c.HostID,
		title:        c.Title,
		eb:           c.EventBus,
		state:        domain.StateLobby,
		staged:       cloneQuestions(c.Questions),
		index:        -1,
		participants: make(map[string]*participant),
	}
}

func (s *Session) Code() string   { return s.code }
func (s *Session) HostID() string { return s.hostID }
func (s *Session) Title() string  { return s.title }

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// CurrentIndex is -1 before the quiz starts and len(questions) once it has run to the end.
func (s *Session) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.index
}

// ConnectHost attaches the host connection, replacing any previous one, and re-sends the
// current view: the roster to everyone, then the live question or final leaderboard to the host.
func (s *Session) ConnectHost(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if s.host != nil && s.host != conn {
		_ = s.host.Close()
	}
	s.host = conn

	s.broadcastLobby()
	switch s.state {
	case domain.StateActive:
		s.send(conn, s.currentQuestion())
	case domain.StateEnded:
		s.send(conn, protocol.QuizEnd{Leaderboard: slices.Clone(s.final)})
	}

	return nil
}

// DisconnectHost clears the host slot if conn is still the attached host.
func (s *Session) DisconnectHost(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.host == conn {
		s.host = nil
	}
}

// ConnectStudent adds a participant or, when id is already present, swaps in the new
// connection and keeps the score.
func (s *Session) ConnectStudent(id, name string, conn Conn) error {
	if id == "" || name == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("student id and name are required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrSessionClosed
	case s.state == domain.StateEnded:
		return ErrAlreadyEnded
	}

	if p, ok := s.participants[id]; ok {
		if p.conn != conn {
			_ = p.conn.Close()
		}
		p.conn = conn
		p.name = name
	} else {
		s.participants[id] = &participant{
			id:      id,
			name:    name,
			answers: make(map[int]answer),
			conn:    conn,
		}
		s.order = append(s.order, id)
	}

	s.broadcastLobby()
	if s.state == domain.StateActive {
		s.send(conn, s.currentQuestion())
	}

	return nil
}

// DisconnectStudent removes the participant. Unknown ids are ignored.
func (s *Session) DisconnectStudent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remove(id) {
		s.broadcastLobby()
	}
}

// Leave removes the participant only if conn is still its connection, so that a replaced
// connection shutting down does not evict the one that replaced it.
func (s *Session) Leave(id string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok || p.conn != conn {
		return
	}

	s.remove(id)
	s.broadcastLobby()
}

// Start begins the quiz with the questions supplied when the session was created.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.start(ctx, s.staged)
}

// StartQuiz moves the session from Lobby to Active with the given questions and broadcasts
// the first one. An empty question list is rejected and the session stays in the lobby.
func (s *Session) StartQuiz(ctx context.Context, questions []domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.start(ctx, questions)
}

func (s *Session) start(ctx context.Context, questions []domain.Question) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != domain.StateLobby {
		return ErrNotInLobby
	}
	if len(questions) == 0 {
		return ErrNoQuestions
	}

	s.questions = cloneQuestions(questions)
	s.index = 0
	s.state = domain.StateActive

	s.broadcast(s.currentQuestion())
	s.publish(ctx, domain.EventQuizStarted{
		Code:           s.code,
		TotalQuestions: len(s.questions),
	})

	return nil
}

// NextQuestion advances to the following question, or ends the quiz after the last one.
func (s *Session) NextQuestion(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateActive {
		return ErrNotActive
	}

	if s.index < len(s.questions)-1 {
		s.index++
		s.broadcast(s.currentQuestion())
		return nil
	}

	s.end(ctx)
	return nil
}

// HandleAnswer records a student's answer to the current question. Answers from unknown
// students or outside the Active state are ignored. A repeated answer to the same question
// replaces the earlier one, and the score is adjusted so each question counts once.
func (s *Session) HandleAnswer(ctx context.Context, studentID, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateActive {
		return
	}

	p, ok := s.participants[studentID]
	if !ok {
		return
	}

	correct := value == s.questions[s.index].CorrectAnswer
	points := 0
	if correct {
		points = PointsPerCorrectAnswer
	}

	if prev, ok := p.answers[s.index]; ok {
		p.score -= prev.points
	}
	p.score += points
	p.answers[s.index] = answer{value: value, points: points}

	if s.host != nil {
		s.send(s.host, protocol.StudentAnswered{StudentID: studentID})
	}

	s.publish(ctx, domain.EventAnswerRecorded{
		Code:          s.code,
		StudentID:     p.id,
		StudentName:   p.name,
		QuestionIndex: s.index,
		Correct:       correct,
		TotalScore:    p.score,
	})
}

// EndQuiz finishes the quiz and broadcasts the final leaderboard. Ending from the lobby
// aborts the quiz with an empty leaderboard.
func (s *Session) EndQuiz(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateLobby:
		s.state = domain.StateEnded
		s.final = []domain.LeaderboardEntry{}
		s.broadcast(protocol.QuizEnd{Leaderboard: s.final})
		s.publish(ctx, domain.EventQuizEnded{
			Code:        s.code,
			HostID:      s.hostID,
			Title:       s.title,
			Leaderboard: domain.Leaderboard{Code: s.code, Entries: []domain.LeaderboardEntry{}},
		})
		return nil
	case domain.StateActive:
		s.end(ctx)
		return nil
	default:
		return ErrAlreadyEnded
	}
}

func (s *Session) end(ctx context.Context) {
	s.state = domain.StateEnded
	s.index = len(s.questions)
	s.final = s.rank()

	s.broadcast(protocol.QuizEnd{Leaderboard: slices.Clone(s.final)})
	s.publish(ctx, domain.EventQuizEnded{
		Code:           s.code,
		HostID:         s.hostID,
		Title:          s.title,
		TotalQuestions: len(s.questions),
		Leaderboard:    domain.Leaderboard{Code: s.code, Entries: slices.Clone(s.final)},
		Results:        s.results(),
	})
}

// Leaderboard returns the final standings once the quiz has ended, or the live standings
// of the connected participants before that.
func (s *Session) Leaderboard() []domain.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateEnded {
		return slices.Clone(s.final)
	}
	return s.rank()
}

// Players returns the roster in join order.
func (s *Session) Players() []domain.Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.roster()
}

func (s *Session) Snapshot() domain.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.questions)
	if s.state == domain.StateLobby {
		total = len(s.staged)
	}

	answered := 0
	if s.state == domain.StateActive {
		for _, p := range s.participants {
			if _, ok := p.answers[s.index]; ok {
				answered++
			}
		}
	}

	return domain.Summary{
		Code:           s.code,
		Title:          s.title,
		HostID:         s.hostID,
		State:          s.state,
		CurrentIndex:   s.index,
		TotalQuestions: total,
		PlayerCount:    len(s.order),
		AnsweredCount:  answered,
		HostConnected:  s.host != nil,
	}
}

// Close seals the session and closes every connection. Further joins fail with
// ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.host != nil {
		_ = s.host.Close()
	}
	for _, id := range s.order {
		_ = s.participants[id].conn.Close()
	}
}

func (s *Session) remove(id string) bool {
	if _, ok := s.participants[id]; !ok {
		return false
	}

	delete(s.participants, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

func (s *Session) roster() []domain.Player {
	players := make([]domain.Player, 0, len(s.order))
	for _, id := range s.order {
		p := s.participants[id]
		players = append(players, domain.Player{ID: p.id, Name: p.name, Score: p.score})
	}
	return players
}

// ranked sorts participants by score, highest first. The sort is stable over join order,
// which breaks ties.
func (s *Session) ranked() []*participant {
	ps := make([]*participant, 0, len(s.order))
	for _, id := range s.order {
		ps = append(ps, s.participants[id])
	}

	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].score > ps[j].score
	})
	return ps
}

func (s *Session) rank() []domain.LeaderboardEntry {
	ps := s.ranked()
	entries := make([]domain.LeaderboardEntry, 0, len(ps))
	for _, p := range ps {
		entries = append(entries, domain.LeaderboardEntry{Name: p.name, Score: p.score})
	}
	return entries
}

func (s *Session) results() []domain.PlayerResult {
	ps := s.ranked()
	results := make([]domain.PlayerResult, 0, len(ps))
	for i, p := range ps {
		r := domain.PlayerResult{Rank: i + 1, ID: p.id, Name: p.name, Score: p.score, Answered: len(p.answers)}
		for _, a := range p.answers {
			if a.points > 0 {
				r.Correct++
			}
		}
		results = append(results, r)
	}
	return results
}

func (s *Session) currentQuestion() protocol.NewQuestion {
	return protocol.NewQuestion{
		Question:       protocol.Redact(s.questions[s.index]),
		TotalQuestions: len(s.questions),
		CurrentIndex:   s.index,
	}
}

func (s *Session) broadcastLobby() {
	players := s.roster()
	s.broadcast(protocol.LobbyUpdate{Players: players, Count: len(players)})
}

// broadcast delivers m to the host and every participant. Send failures are logged and
// skipped; they never interrupt the loop or undo the state change being announced.
func (s *Session) broadcast(m protocol.Outbound) {
	b, err := protocol.Encode(m)
	if err != nil {
		slog.Error("quiz: encode message failed", "session", s.code, "type", m.Type(), "error", err)
		return
	}

	if s.host != nil {
		s.deliver(s.host, m.Type(), b)
	}
	for _, id := range s.order {
		s.deliver(s.participants[id].conn, m.Type(), b)
	}
}

func (s *Session) send(conn Conn, m protocol.Outbound) {
	b, err := protocol.Encode(m)
	if err != nil {
		slog.Error("quiz: encode message failed", "session", s.code, "type", m.Type(), "error", err)
		return
	}

	s.deliver(conn, m.Type(), b)
}

func (s *Session) deliver(conn Conn, t protocol.Type, b []byte) {
	if err := conn.Send(b); err != nil {
		slog.Debug("quiz: send failed", "session", s.code, "type", t, "error", err)
	}
}

func (s *Session) publish(ctx context.Context, e event.Event) {
	if s.eb == nil {
		return
	}
	s.eb.Publish(ctx, e)
}

func cloneQuestions(qs []domain.Question) []domain.Question {
	out := make([]domain.Question, len(qs))
	for i, q := range qs {
		q.Options = maps.Clone(q.Options)
		out[i] = q
	}
	return out
}
