// Package protocol defines the messages exchanged over a quiz connection.
//
// Inbound messages are tagged by "action", outbound messages by "type". Both sides are closed
// sets: every variant implements a marker method, and dispatch sites switch over the concrete
// types so that adding a message kind shows up wherever it must be handled.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

type Action string

const (
	ActionStart        Action = "start"
	ActionNextQuestion Action = "next_question"
	ActionEndQuiz      Action = "end_quiz"
	ActionSubmitAnswer Action = "submit_answer"
)

type Type string

const (
	TypeLobbyUpdate     Type = "lobby_update"
	TypeNewQuestion     Type = "new_question"
	TypeStudentAnswered Type = "student_answered"
	TypeQuizEnd         Type = "quiz_end"
	TypeError           Type = "error"
)

// Inbound is a message sent by a host or a student.
type Inbound interface {
	Action() Action
	inbound()
}

type (
	Start        struct{}
	NextQuestion struct{}
	EndQuiz      struct{}

	SubmitAnswer struct {
		Answer string
	}
)

func (Start) Action() Action        { return ActionStart }
func (NextQuestion) Action() Action { return ActionNextQuestion }
func (EndQuiz) Action() Action      { return ActionEndQuiz }
func (SubmitAnswer) Action() Action { return ActionSubmitAnswer }

func (Start) inbound()        {}
func (NextQuestion) inbound() {}
func (EndQuiz) inbound()      {}
func (SubmitAnswer) inbound() {}

// HostOnly reports whether m may only be sent by the host connection.
func HostOnly(m Inbound) bool {
	switch m.(type) {
	case Start, NextQuestion, EndQuiz:
		return true
	case SubmitAnswer:
		return false
	default:
		panic(fmt.Sprintf("protocol: unhandled inbound message %T", m))
	}
}

type inboundFrame struct {
	Action Action           `json:"action"`
	Answer *json.RawMessage `json:"answer,omitempty"`
}

// DecodeInbound parses a raw frame. Unknown actions and malformed payloads are reported as
// invalid argument errors so they can be echoed back to the sender.
func DecodeInbound(b []byte) (Inbound, error) {
	var f inboundFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("malformed message"),
			errors.WithCause(err))
	}

	switch f.Action {
	case ActionStart:
		return Start{}, nil
	case ActionNextQuestion:
		return NextQuestion{}, nil
	case ActionEndQuiz:
		return EndQuiz{}, nil
	case ActionSubmitAnswer:
		if f.Answer == nil {
			return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("submit_answer requires an answer"))
		}
		var answer string
		if err := json.Unmarshal(*f.Answer, &answer); err != nil {
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("answer must be a string"),
				errors.WithCause(err))
		}
		return SubmitAnswer{Answer: answer}, nil
	case "":
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing action"))
	default:
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown action %q", f.Action))
	}
}

// Outbound is a message sent by the server.
type Outbound interface {
	Type() Type
	outbound()
}

type (
	LobbyUpdate struct {
		Players []domain.Player `json:"players"`
		Count   int             `json:"count"`
	}

	// Question is the student-facing view of a question. It has no answer key.
	Question struct {
		Text    string            `json:"question_text"`
		Options map[string]string `json:"options"`
	}

	NewQuestion struct {
		Question       Question `json:"question"`
		TotalQuestions int      `json:"total_questions"`
		CurrentIndex   int      `json:"current_index"`
	}

	StudentAnswered struct {
		StudentID string `json:"student_id"`
	}

	QuizEnd struct {
		Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
	}

	Error struct {
		Code    errors.Code `json:"code"`
		Message string      `json:"message"`
	}
)

func (LobbyUpdate) Type() Type     { return TypeLobbyUpdate }
func (NewQuestion) Type() Type     { return TypeNewQuestion }
func (StudentAnswered) Type() Type { return TypeStudentAnswered }
func (QuizEnd) Type() Type         { return TypeQuizEnd }
func (Error) Type() Type           { return TypeError }

func (LobbyUpdate) outbound()     {}
func (NewQuestion) outbound()     {}
func (StudentAnswered) outbound() {}
func (QuizEnd) outbound()         {}
func (Error) outbound()           {}

// Redact strips the answer key from q.
func Redact(q domain.Question) Question {
	return Question{
		Text:    q.Text,
		Options: q.Options,
	}
}

// ErrorFrom converts err into an error message for the originating connection.
func ErrorFrom(err error) Error {
	e := errors.Convert(err)
	return Error{Code: e.Code, Message: e.Message}
}

// Encode serializes m with its type tag, e.g. {"type":"quiz_end","leaderboard":[...]}.
func Encode(m Outbound) ([]byte, error) {
	switch m := m.(type) {
	case LobbyUpdate:
		if m.Players == nil {
			m.Players = []domain.Player{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			LobbyUpdate
		}{m.Type(), m})
	case NewQuestion:
		return json.Marshal(struct {
			Type Type `json:"type"`
			NewQuestion
		}{m.Type(), m})
	case StudentAnswered:
		return json.Marshal(struct {
			Type Type `json:"type"`
			StudentAnswered
		}{m.Type(), m})
	case QuizEnd:
		if m.Leaderboard == nil {
			m.Leaderboard = []domain.LeaderboardEntry{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			QuizEnd
		}{m.Type(), m})
	case Error:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Error
		}{m.Type(), m})
	default:
		return nil, fmt.Errorf("protocol: unhandled outbound message %T", m)
	}
}
