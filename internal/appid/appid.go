package appid

import (
	"context"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/relaybot/relaybot/internal/assets/appidentity"
)

// DefaultEnvPrefix is used when no identity can be loaded.
const DefaultEnvPrefix = "RELAYBOT_"

func init() {
	// An explicit FULMEN_APP_IDENTITY_PATH still wins over the embedded copy.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// EnvPrefix returns the identity env prefix, always terminated by an underscore.
func EnvPrefix(ctx context.Context) string {
	identity, err := Get(ctx)
	if err != nil || identity == nil || strings.TrimSpace(identity.EnvPrefix) == "" {
		return DefaultEnvPrefix
	}
	return NormalizePrefix(identity.EnvPrefix)
}

// NormalizePrefix appends the trailing underscore when missing.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultEnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}
