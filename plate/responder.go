package plate

import (
	"context"
	"encoding/json"
	"errors"

	"evermeet/account"
	"evermeet/models"
	"evermeet/protocol"
	"evermeet/session"
)

// Error codes sent to plates in the "error" field.
const (
	CodeNotFound         = "not_found"
	CodeMalformedRecord  = "malformed_record"
	CodeStoreUnavailable = "store_unavailable"
	CodeUnauthorized     = "unauthorized"
	CodeSessionLimit     = "session_limit"
	CodeMalformedMessage = "malformed_message"
	CodeInternal         = "internal"
)

// ErrorCode classifies err for plates and metrics.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, account.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrMalformedRecord):
		return CodeMalformedRecord
	case errors.Is(err, account.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return CodeStoreUnavailable
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, session.ErrTableFull):
		return CodeSessionLimit
	case errors.Is(err, protocol.ErrMalformedMessage):
		return CodeMalformedMessage
	default:
		return CodeInternal
	}
}

type okResponse struct {
	Status        string  `json:"status"`
	PlateID       string  `json:"plate_id"`
	UserID        int64   `json:"user_id"`
	UserName      string  `json:"user_name"`
	Friends       []int64 `json:"friends"`
	Levels        int     `json:"levels"`
	TotalDuration float64 `json:"total_duration"`
	MaxDifficulty int     `json:"max_difficulty"`
}

type errorResponse struct {
	Status  string `json:"status"`
	PlateID string `json:"plate_id,omitempty"`
	Error   string `json:"error"`
}

// JSONResponder renders replies as single-line JSON objects.
type JSONResponder struct{}

func (JSONResponder) Respond(msg *protocol.Message, reply *models.Reply, err error) []byte {
	if err != nil || reply == nil || reply.User == nil {
		resp := errorResponse{Status: "error", Error: ErrorCode(err)}
		if msg != nil {
			resp.PlateID = msg.PlateID
		}
		return marshal(resp)
	}

	friends := reply.User.Friends
	if friends == nil {
		friends = []int64{}
	}
	return marshal(okResponse{
		Status:        "ok",
		PlateID:       reply.Session.PlateID,
		UserID:        reply.User.ID,
		UserName:      reply.User.Name,
		Friends:       friends,
		Levels:        len(reply.Session.Levels),
		TotalDuration: reply.Session.TotalDuration(),
		MaxDifficulty: reply.Session.MaxDifficulty(),
	})
}

// Malformed is the reply to a frame that could not be parsed.
func (JSONResponder) Malformed() []byte {
	return []byte("{}")
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// e.g. a total duration that overflowed to +Inf
		return []byte(`{"status":"error","error":"` + CodeInternal + `"}`)
	}
	return data
}
