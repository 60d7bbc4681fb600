// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
)

var ErrMissingCredentials = errors.New("missing credentials")

// Credentials authenticate one session. Token takes precedence over
// LoginID/Password.
type Credentials struct {
	ServerURL string `json:"server_url,omitempty" yaml:"server_url"`
	Token     string `json:"token,omitempty" yaml:"token"`
	LoginID   string `json:"login_id,omitempty" yaml:"login_id"`
	Password  string `json:"password,omitempty" yaml:"password"`
	// WebhookURL overrides the global webhook target for this session.
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url"`
}

// Validate reports ErrMissingCredentials when neither a token nor a login
// pair is set.
func (c Credentials) Validate() error {
	if c.Token != "" {
		return nil
	}
	if c.LoginID == "" || c.Password == "" {
		return fmt.Errorf("%w: need token or login_id and password", ErrMissingCredentials)
	}
	return nil
}

// loginResult holds the validated result of a login attempt.
type loginResult struct {
	User   *model.User
	TeamID string
	Client *model.Client4
}

// authenticate logs in with the token, or with the login pair when no token
// is set, and fetches the user profile and first team.
func authenticate(ctx context.Context, serverURL string, creds Credentials) (*loginResult, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if creds.Token != "" {
		return validateTokenLogin(ctx, serverURL, creds.Token)
	}

	client := model.NewAPIv4Client(serverURL)
	me, _, err := client.Login(ctx, creds.LoginID, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	teamID, err := fetchFirstTeamID(ctx, client, me.Id)
	if err != nil {
		return nil, err
	}
	return &loginResult{User: me, TeamID: teamID, Client: client}, nil
}

// validateTokenLogin authenticates with the given serverURL and token,
// retrieves the user profile and teams.
func validateTokenLogin(ctx context.Context, serverURL, token string) (*loginResult, error) {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	teamID, err := fetchFirstTeamID(ctx, client, me.Id)
	if err != nil {
		return nil, err
	}

	return &loginResult{
		User:   me,
		TeamID: teamID,
		Client: client,
	}, nil
}

// fetchFirstTeamID fetches teams for a user and returns the first team's ID,
// or empty string if the user has no teams.
func fetchFirstTeamID(ctx context.Context, client *model.Client4, userID string) (string, error) {
	teams, _, err := client.GetTeamsForUser(ctx, userID, "")
	if err != nil {
		return "", fmt.Errorf("failed to get teams: %w", err)
	}
	if len(teams) > 0 {
		return teams[0].Id, nil
	}
	return "", nil
}
