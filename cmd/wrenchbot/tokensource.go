package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/jordigilh/wrenchbot/pkg/tokenbroker"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// envTokenSource resolves a long-lived token for one provider from an
// environment variable. The external OAuth installation-token exchange the
// tokenbroker.Source interface anticipates is out of scope here; operators
// that need per-organization refresh implement their own Source in front
// of this binary's token broker.
type envTokenSource struct {
	envVar string
}

func (s envTokenSource) Token(_ context.Context, organizationID string) (*oauth2.Token, error) {
	value := os.Getenv(s.envVar)
	if value == "" {
		return nil, fmt.Errorf("no token configured for organization %s (set %s)", organizationID, s.envVar)
	}
	return &oauth2.Token{AccessToken: value, Expiry: time.Now().Add(24 * time.Hour)}, nil
}

var providerEnvVars = map[types.Provider]string{
	types.ProviderCodeHost:      "WRENCHBOT_TOKEN_CODE_HOST",
	types.ProviderIssueTracker:  "WRENCHBOT_TOKEN_ISSUE_TRACKER",
	types.ProviderChat:          "WRENCHBOT_TOKEN_CHAT",
	types.ProviderErrorReporter: "WRENCHBOT_TOKEN_ERROR_REPORTER",
}

// envTokenSources builds one envTokenSource per known provider.
func envTokenSources() map[types.Provider]tokenbroker.Source {
	sources := make(map[types.Provider]tokenbroker.Source, len(providerEnvVars))
	for provider, envVar := range providerEnvVars {
		sources[provider] = envTokenSource{envVar: envVar}
	}
	return sources
}
