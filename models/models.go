package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedRecord is returned when a stored field mapping cannot be turned into a User.
var ErrMalformedRecord = errors.New("malformed user record")

// Field mapping keys shared by the account store and the device protocol.
const (
	FieldUserID       = "user_id"
	FieldUserName     = "user_name"
	FieldUserPassword = "user_password"
	FieldFriendAmount = "friend_amount"
	FieldFriendPrefix = "friend_id_"
)

// FriendField returns the mapping key of the i-th friend id.
func FriendField(i int) string {
	return FieldFriendPrefix + strconv.Itoa(i)
}

type User struct {
	ID       int64
	Name     string
	Password string // compared verbatim
	Friends  []int64
}

// UserFromFields builds a User from a field mapping. Every required key must be present
// and friend_amount must match the number of friend_id_i keys exactly.
func UserFromFields(fields map[string]string) (*User, error) {
	id, err := intField(fields, FieldUserID)
	if err != nil {
		return nil, err
	}
	name, ok := fields[FieldUserName]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedRecord, FieldUserName)
	}
	password, ok := fields[FieldUserPassword]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedRecord, FieldUserPassword)
	}
	amount, err := intField(fields, FieldFriendAmount)
	if err != nil {
		return nil, err
	}
	if amount < 0 || amount > int64(len(fields)) {
		return nil, fmt.Errorf("%w: %s=%d out of range", ErrMalformedRecord, FieldFriendAmount, amount)
	}

	friends := make([]int64, amount)
	for i := range friends {
		friends[i], err = intField(fields, FriendField(i))
		if err != nil {
			return nil, err
		}
	}
	// A friend_id beyond friend_amount is as inconsistent as a missing one.
	if _, extra := fields[FriendField(int(amount))]; extra {
		return nil, fmt.Errorf("%w: %s=%d but %s present", ErrMalformedRecord,
			FieldFriendAmount, amount, FriendField(int(amount)))
	}

	return &User{
		ID:       id,
		Name:     name,
		Password: password,
		Friends:  friends,
	}, nil
}

// Fields serializes the user into its field mapping.
func (u *User) Fields() map[string]string {
	fields := make(map[string]string, 4+len(u.Friends))
	fields[FieldUserID] = strconv.FormatInt(u.ID, 10)
	fields[FieldUserName] = u.Name
	fields[FieldUserPassword] = u.Password
	fields[FieldFriendAmount] = strconv.Itoa(len(u.Friends))
	for i, friend := range u.Friends {
		fields[FriendField(i)] = strconv.FormatInt(friend, 10)
	}
	return fields
}

func intField(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedRecord, key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer: %q", ErrMalformedRecord, key, raw)
	}
	return v, nil
}

// Level is one completed level reported by a plate.
type Level struct {
	Duration   float64 // seconds
	Difficulty int
}

// Session is the in-progress activity of a single plate.
type Session struct {
	PlateID      string
	HasUser      bool // set once a user has authenticated on the plate
	UserID       int64
	UserPassword string
	Levels       []Level
	CreatedAt    time.Time
	LastSeen     time.Time
}

// Clone returns a deep copy so callers never share the Levels backing array.
func (s Session) Clone() Session {
	if s.Levels != nil {
		levels := make([]Level, len(s.Levels))
		copy(levels, s.Levels)
		s.Levels = levels
	}
	return s
}

// TotalDuration sums the durations of all completed levels.
func (s Session) TotalDuration() float64 {
	var total float64
	for _, l := range s.Levels {
		total += l.Duration
	}
	return total
}

// MaxDifficulty returns the highest difficulty reached, or 0 without levels.
func (s Session) MaxDifficulty() int {
	best := 0
	for _, l := range s.Levels {
		if l.Difficulty > best {
			best = l.Difficulty
		}
	}
	return best
}

// Reply is what a handled message produces for the responder.
type Reply struct {
	Session Session
	User    *User
}
