package domain

const (
	EventNameSessionCreated   = "session.created"
	EventNameSessionDiscarded = "session.discarded"
	EventNameQuizStarted      = "quiz.started"
	EventNameAnswerRecorded   = "answer.recorded"
	EventNameQuizEnded        = "quiz.ended"

	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionCreated struct {
	Code   string
	HostID string
	Title  string
}

func (EventSessionCreated) Name() string { return EventNameSessionCreated }

type EventSessionDiscarded struct {
	Code string
}

func (EventSessionDiscarded) Name() string { return EventNameSessionDiscarded }

type EventQuizStarted struct {
	Code           string
	TotalQuestions int
}

func (EventQuizStarted) Name() string { return EventNameQuizStarted }

// EventAnswerRecorded carries the student's total score after the answer was applied.
type EventAnswerRecorded struct {
	Code          string
	StudentID     string
	StudentName   string
	QuestionIndex int
	Correct       bool
	TotalScore    int
}

func (EventAnswerRecorded) Name() string { return EventNameAnswerRecorded }

// EventQuizEnded carries the final leaderboard. Results are in leaderboard order.
type EventQuizEnded struct {
	Code           string
	HostID         string
	Title          string
	TotalQuestions int
	Leaderboard    Leaderboard
	Results        []PlayerResult
}

func (EventQuizEnded) Name() string { return EventNameQuizEnded }

// EventLeaderboardUpdated is published by the leaderboard mirror. Final is set once the quiz
// has ended and the standings can no longer change. StudentIDs[i] identifies the player of
// Leaderboard.Entries[i]; display names are not unique.
type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
	StudentIDs  []string
	Final       bool
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
