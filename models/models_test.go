package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserFromFields(t *testing.T) {
	fields := map[string]string{
		"user_id":       "7",
		"user_name":     "alice",
		"user_password": "x",
		"friend_amount": "2",
		"friend_id_0":   "3",
		"friend_id_1":   "11",
	}

	u, err := UserFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, "x", u.Password)
	assert.Equal(t, []int64{3, 11}, u.Friends)
}

func TestUserFromFields_NoFriends(t *testing.T) {
	u, err := UserFromFields(map[string]string{
		"user_id":       "1",
		"user_name":     "bob",
		"user_password": "",
		"friend_amount": "0",
	})
	require.NoError(t, err)
	assert.Empty(t, u.Friends)
}

func TestUserFromFields_Malformed(t *testing.T) {
	base := func() map[string]string {
		return map[string]string{
			"user_id":       "7",
			"user_name":     "alice",
			"user_password": "x",
			"friend_amount": "1",
			"friend_id_0":   "3",
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"missing id", func(f map[string]string) { delete(f, "user_id") }},
		{"non numeric id", func(f map[string]string) { f["user_id"] = "seven" }},
		{"missing name", func(f map[string]string) { delete(f, "user_name") }},
		{"missing password", func(f map[string]string) { delete(f, "user_password") }},
		{"missing amount", func(f map[string]string) { delete(f, "friend_amount") }},
		{"negative amount", func(f map[string]string) { f["friend_amount"] = "-1" }},
		{"amount larger than friends", func(f map[string]string) { f["friend_amount"] = "2" }},
		{"amount smaller than friends", func(f map[string]string) { f["friend_amount"] = "0" }},
		{"bad friend id", func(f map[string]string) { f["friend_id_0"] = "x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(f)
			_, err := UserFromFields(f)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord), "got %v", err)
		})
	}
}

// friend_amount=2 with only friend_id_0 stored must not build a user.
func TestUserFromFields_MissingSecondFriend(t *testing.T) {
	_, err := UserFromFields(map[string]string{
		"user_id":       "9",
		"user_name":     "carol",
		"user_password": "pw",
		"friend_amount": "2",
		"friend_id_0":   "4",
	})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestUserFieldsRoundTrip(t *testing.T) {
	u := &User{ID: 42, Name: "dave", Password: "p|w", Friends: []int64{1, 2, 3}}

	fields := u.Fields()
	assert.Equal(t, "3", fields["friend_amount"])
	assert.Equal(t, "2", fields["friend_id_1"])

	back, err := UserFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestSessionClone(t *testing.T) {
	s := Session{PlateID: "P1", Levels: []Level{{Duration: 1.5, Difficulty: 2}}}
	c := s.Clone()
	c.Levels[0].Difficulty = 9
	c.Levels = append(c.Levels, Level{Duration: 3, Difficulty: 1})

	assert.Equal(t, 2, s.Levels[0].Difficulty)
	assert.Len(t, s.Levels, 1)
}

func TestSessionAggregates(t *testing.T) {
	s := Session{Levels: []Level{{Duration: 1.5, Difficulty: 2}, {Duration: 2.5, Difficulty: 5}, {Duration: 1, Difficulty: 3}}}
	assert.InDelta(t, 5.0, s.TotalDuration(), 1e-9)
	assert.Equal(t, 5, s.MaxDifficulty())
	assert.Equal(t, 0, Session{}.MaxDifficulty())
}
