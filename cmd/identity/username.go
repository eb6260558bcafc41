package identity

import (
	"strings"
	"unicode/utf8"
)

const maxUsernameRunes = 64

// NormalizeUsername is the uniqueness key of a username: case-folded, with
// surrounding space trimmed and inner whitespace runs collapsed to one space.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func validateUsername(op, username string) error {
	n := utf8.RuneCountInString(username)
	if n == 0 {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "username is required"}
	}
	if n > maxUsernameRunes {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "username too long"}
	}
	return nil
}
