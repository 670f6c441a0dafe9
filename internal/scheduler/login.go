package scheduler

import (
	"fmt"
	"strings"
)

// LoginMode selects how the client authenticates against the scheduler API.
type LoginMode string

const (
	// LoginGuest logs in as the anonymous guest user.
	LoginGuest LoginMode = "guest"
	// LoginTrustedSource relies on the API trusting this host.
	LoginTrustedSource LoginMode = "trusted_source"
	// LoginCredentials logs in with a login and password.
	LoginCredentials LoginMode = "credentials"
)

// Credentials are used by LoginCredentials only.
type Credentials struct {
	Login    string
	Password string
}

var loginPayloads = map[LoginMode]func(Credentials) map[string]any{
	LoginGuest: func(Credentials) map[string]any {
		return map[string]any{"guest": true}
	},
	LoginTrustedSource: func(Credentials) map[string]any {
		return map[string]any{"trusted_source": true}
	},
	LoginCredentials: func(creds Credentials) map[string]any {
		return map[string]any{"login": creds.Login, "password": creds.Password}
	},
}

// ParseLoginMode validates a configured login mode.
func ParseLoginMode(raw string) (LoginMode, error) {
	mode := LoginMode(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := loginPayloads[mode]; !ok {
		return "", fmt.Errorf("unknown login mode %q", raw)
	}
	return mode, nil
}

func loginPayload(mode LoginMode, creds Credentials) (map[string]any, error) {
	build, ok := loginPayloads[mode]
	if !ok {
		return nil, fmt.Errorf("unknown login mode %q", mode)
	}
	return build(creds), nil
}
