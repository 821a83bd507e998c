package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"evermeet/models"
)

var ErrMalformedMessage = errors.New("malformed message")

// Message fields beyond the user record keys.
const (
	FieldPlateID         = "plate_id"
	FieldAction          = "action"
	FieldLevelDuration   = "level_duration"
	FieldLevelDifficulty = "level_difficulty"
)

const (
	ActionPlay     = "play"
	ActionRegister = "register"
)

// Message is one decoded device request.
type Message struct {
	PlateID      string
	Action       string
	UserID       int64
	UserPassword string
	UserName     string
	Friends      []int64 // nil when the message carries no friend_amount
	Level        *models.Level
}

// ParseMessage decodes a frame. A frame starting with '{' is a JSON object,
// anything else is the pipe format: key=value|key=value.
func ParseMessage(data []byte) (*Message, error) {
	fields, err := ParseFields(data)
	if err != nil {
		return nil, err
	}
	return MessageFromFields(fields)
}

// ParseFields decodes a frame into its raw field mapping.
func ParseFields(data []byte) (map[string]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	if data[0] == '{' {
		return parseJSON(data)
	}
	return parsePipe(string(data))
}

func parseJSON(data []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedMessage)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		default:
			return nil, fmt.Errorf("%w: field %s must be a string or number", ErrMalformedMessage, k)
		}
	}
	return fields, nil
}

func parsePipe(line string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range splitUnescaped(line, '|') {
		if part == "" {
			continue
		}
		key, value, ok := cutUnescaped(part, '=')
		if !ok {
			return nil, fmt.Errorf("%w: %q is not key=value", ErrMalformedMessage, part)
		}
		key = strings.TrimSpace(unescape(key))
		if key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrMalformedMessage)
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %s", ErrMalformedMessage, key)
		}
		fields[key] = unescape(value)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrMalformedMessage)
	}
	return fields, nil
}

// MessageFromFields validates a field mapping and builds a Message.
func MessageFromFields(fields map[string]string) (*Message, error) {
	msg := &Message{
		PlateID:  strings.TrimSpace(fields[FieldPlateID]),
		Action:   fields[FieldAction],
		UserName: fields[models.FieldUserName],
	}
	if msg.PlateID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedMessage, FieldPlateID)
	}

	switch msg.Action {
	case "":
		msg.Action = ActionPlay
	case ActionPlay, ActionRegister:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedMessage, msg.Action)
	}

	var err error
	if msg.UserID, err = requiredInt(fields, models.FieldUserID); err != nil {
		return nil, err
	}

	password, ok := fields[models.FieldUserPassword]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedMessage, models.FieldUserPassword)
	}
	msg.UserPassword = password

	if msg.Friends, err = parseFriends(fields); err != nil {
		return nil, err
	}
	if msg.Level, err = parseLevel(fields); err != nil {
		return nil, err
	}

	if msg.Action == ActionRegister && msg.UserName == "" {
		return nil, fmt.Errorf("%w: register requires %s", ErrMalformedMessage, models.FieldUserName)
	}

	return msg, nil
}

func parseFriends(fields map[string]string) ([]int64, error) {
	rawAmount, ok := fields[models.FieldFriendAmount]
	if !ok {
		if _, stray := fields[models.FriendField(0)]; stray {
			return nil, fmt.Errorf("%w: %s without %s", ErrMalformedMessage,
				models.FriendField(0), models.FieldFriendAmount)
		}
		return nil, nil
	}

	amount, err := strconv.Atoi(rawAmount)
	if err != nil || amount < 0 || amount > len(fields) {
		return nil, fmt.Errorf("%w: bad %s %q", ErrMalformedMessage, models.FieldFriendAmount, rawAmount)
	}

	friends := make([]int64, amount)
	for i := range friends {
		if friends[i], err = requiredInt(fields, models.FriendField(i)); err != nil {
			return nil, err
		}
	}
	if _, extra := fields[models.FriendField(amount)]; extra {
		return nil, fmt.Errorf("%w: more friend ids than %s", ErrMalformedMessage, models.FieldFriendAmount)
	}
	return friends, nil
}

func parseLevel(fields map[string]string) (*models.Level, error) {
	rawDuration, hasDuration := fields[FieldLevelDuration]
	rawDifficulty, hasDifficulty := fields[FieldLevelDifficulty]
	if !hasDuration && !hasDifficulty {
		return nil, nil
	}
	if hasDuration != hasDifficulty {
		return nil, fmt.Errorf("%w: %s and %s must be sent together", ErrMalformedMessage,
			FieldLevelDuration, FieldLevelDifficulty)
	}

	duration, err := strconv.ParseFloat(rawDuration, 64)
	if err != nil || duration < 0 || math.IsInf(duration, 0) || math.IsNaN(duration) {
		return nil, fmt.Errorf("%w: bad %s %q", ErrMalformedMessage, FieldLevelDuration, rawDuration)
	}
	difficulty, err := strconv.Atoi(rawDifficulty)
	if err != nil || difficulty < 0 {
		return nil, fmt.Errorf("%w: bad %s %q", ErrMalformedMessage, FieldLevelDifficulty, rawDifficulty)
	}
	return &models.Level{Duration: duration, Difficulty: difficulty}, nil
}

func requiredInt(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedMessage, key)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer: %q", ErrMalformedMessage, key, raw)
	}
	return v, nil
}

// FormatFields encodes fields in the pipe format with keys in sorted order.
func FormatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, Escape(k)+"="+Escape(fields[k]))
	}
	return strings.Join(parts, "|")
}

// splitUnescaped splits s on delimiter, skipping escaped delimiters
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

// cutUnescaped slices s around the first delimiter that is not escaped
func cutUnescaped(s string, delimiter rune) (before, after string, found bool) {
	escape := false
	for i, r := range s {
		if escape {
			escape = false
			continue
		}
		if r == '\\' {
			escape = true
			continue
		}
		if r == delimiter {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// unescape decodes backslash escapes
func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|', '=', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape is kept verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// Escape escapes the characters that are special in the pipe format
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case '=':
			result.WriteString("\\=")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
