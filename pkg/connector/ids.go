// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateSessionID checks that id is 1-64 characters of letters, digits,
// '_' or '-'. Session ids appear in URLs and log fields unescaped.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// echoEnvSlug normalizes an echo account slug into its env var form:
// RELAY_ECHO_<SLUG>_TOKEN.
func echoEnvSlug(slug string) string {
	return strings.ToUpper(strings.ReplaceAll(slug, "-", "_"))
}
