package domain

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a quiz session. Transitions only move forward.
type State string

const (
	StateLobby  State = "lobby"
	StateActive State = "active"
	StateEnded  State = "ended"
)

// Question is a single multiple-choice question. Options maps an answer label ("A", "B", ...)
// to its display text; CorrectAnswer is one of those labels.
type Question struct {
	Text          string            `json:"question_text"`
	Options       map[string]string `json:"options"`
	CorrectAnswer string            `json:"correct_answer"`
}

// Validate reports whether q can be played.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("question text is empty")
	}
	if len(q.Options) < 2 {
		return fmt.Errorf("question %q needs at least 2 options", q.Text)
	}
	if _, ok := q.Options[q.CorrectAnswer]; !ok {
		return fmt.Errorf("question %q: correct answer %q is not one of the options", q.Text, q.CorrectAnswer)
	}
	return nil
}

// Player is a roster entry as shown in the lobby.
type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// LeaderboardEntry is one row of a leaderboard. Leaderboards are sorted by score in
// descending order; players with equal scores keep their join order.
type LeaderboardEntry struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Leaderboard of a quiz session.
type Leaderboard struct {
	Code    string             `json:"code"`
	Entries []LeaderboardEntry `json:"entries"`
}

// PlayerResult summarizes one participant's performance when a quiz ends. Rank is the
// 1-based position on the final leaderboard.
type PlayerResult struct {
	Rank     int
	ID       string
	Name     string
	Score    int
	Answered int
	Correct  int
}

// Summary is a point-in-time view of a session, safe to hand out of the session lock.
type Summary struct {
	Code           string `json:"code"`
	Title          string `json:"title"`
	HostID         string `json:"host_id"`
	State          State  `json:"state"`
	CurrentIndex   int    `json:"current_index"`
	TotalQuestions int    `json:"total_questions"`
	PlayerCount    int    `json:"player_count"`
	AnsweredCount  int    `json:"answered_count"`
	HostConnected  bool   `json:"host_connected"`
}
