// Package profile holds the local user's profile snapshot and the rules a
// complete profile follows.
package profile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bitalk/bitalk/pkg/broadcast"
	"github.com/bitalk/bitalk/pkg/topics"
)

const (
	MinUsernameLen    = 3
	MaxUsernameLen    = 20
	MaxDescriptionLen = 100
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Validation errors.
var (
	ErrInvalidUsername    = errors.New("profile: username must be 3-20 letters, digits or underscores")
	ErrInvalidDescription = errors.New("profile: description must be non-blank and at most 100 characters")
	ErrNoTopics           = errors.New("profile: at least one topic is required")
)

// LocalProfile is an immutable snapshot of the local user's profile. Callers
// replace the whole snapshot instead of mutating one in place.
type LocalProfile struct {
	Username       string
	Description    string
	Topics         []string
	CustomTopics   []string
	ExactMatchMode bool
}

// New builds a snapshot, deduplicating topics case-insensitively and deriving
// CustomTopics.
func New(username, description string, topicList []string, exact bool) LocalProfile {
	p := LocalProfile{
		Username:       strings.TrimSpace(username),
		Description:    strings.TrimSpace(description),
		Topics:         dedupeTopics(topicList),
		ExactMatchMode: exact,
	}
	p.CustomTopics = topics.Custom(p.Topics)
	return p
}

// Clone returns a deep copy.
func (p LocalProfile) Clone() LocalProfile {
	c := p
	c.Topics = append([]string(nil), p.Topics...)
	c.CustomTopics = append([]string(nil), p.CustomTopics...)
	return c
}

// IsZero reports whether no username has been set.
func (p LocalProfile) IsZero() bool {
	return p.Username == ""
}

// Wire returns the fields that are broadcast.
func (p LocalProfile) Wire() broadcast.Profile {
	return broadcast.Profile{
		Username:    p.Username,
		Description: p.Description,
		Topics:      append([]string(nil), p.Topics...),
	}
}

// Validate checks that onboarding would consider the profile complete.
func (p LocalProfile) Validate() error {
	if err := ValidateUsername(p.Username); err != nil {
		return err
	}
	if err := ValidateDescription(p.Description); err != nil {
		return err
	}
	if len(p.Topics) == 0 {
		return ErrNoTopics
	}
	return nil
}

// ValidateUsername checks length and character set.
func ValidateUsername(username string) error {
	n := len(username)
	if n < MinUsernameLen || n > MaxUsernameLen || !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return nil
}

// ValidateDescription checks the description is non-blank and short enough.
func ValidateDescription(description string) error {
	if strings.TrimSpace(description) == "" || utf8.RuneCountInString(description) > MaxDescriptionLen {
		return ErrInvalidDescription
	}
	return nil
}

func dedupeTopics(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, t := range list {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
