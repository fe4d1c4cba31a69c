// Package registry loads platform definitions from a directory of JSON
// files, one platform per file, and exposes them through an explicitly
// constructed Registry that is injected wherever platform lookups happen.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// OAuthConfig is the OAuth2 endpoint set and client credentials for one
// platform. Confidential clients send their secret on token requests.
type OAuthConfig struct {
	AuthorizeURL string   `json:"authorize_url"`
	TokenURL     string   `json:"token_url"`
	RevokeURL    string   `json:"revoke_url,omitempty"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Confidential bool     `json:"confidential,omitempty"`
}

// PlatformDefinition describes one healthcare data platform the gateway
// can authenticate against.
type PlatformDefinition struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	FHIRBaseURL  string       `json:"fhir_base_url"`
	OAuth        *OAuthConfig `json:"oauth,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
}

// Registry is an immutable set of loaded platforms keyed by id.
type Registry struct {
	platforms map[string]*PlatformDefinition
}

// Load reads every *.json file in dir as a platform definition. Files
// without a name are skipped with a warning rather than failing the load,
// so one malformed drop-in cannot take the gateway down. Client
// credentials can be overridden per platform with
// PLATFORM_<ID>_CLIENT_ID and PLATFORM_<ID>_CLIENT_SECRET env vars.
func Load(dir string, logger zerolog.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read platforms directory %s: %w", dir, err)
	}

	platforms := make(map[string]*PlatformDefinition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read platform file %s: %w", path, err)
		}

		var def PlatformDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			logger.Warn().Str("file", path).Err(err).Msg("skipping unparseable platform file")
			continue
		}
		if def.Name == "" {
			logger.Warn().Str("file", path).Msg("skipping platform file without a name")
			continue
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(entry.Name(), ".json")
		}

		applyEnvOverrides(&def)
		platforms[def.ID] = &def
		logger.Info().Str("platform_id", def.ID).Str("name", def.Name).Msg("loaded platform")
	}

	return &Registry{platforms: platforms}, nil
}

// applyEnvOverrides lets deployments inject credentials without editing
// the JSON files checked into config management.
func applyEnvOverrides(def *PlatformDefinition) {
	envID := strings.ToUpper(strings.ReplaceAll(def.ID, "-", "_"))

	clientID := os.Getenv("PLATFORM_" + envID + "_CLIENT_ID")
	clientSecret := os.Getenv("PLATFORM_" + envID + "_CLIENT_SECRET")
	if clientID == "" && clientSecret == "" {
		return
	}

	if def.OAuth == nil {
		def.OAuth = &OAuthConfig{}
	}
	if clientID != "" {
		def.OAuth.ClientID = clientID
	}
	if clientSecret != "" {
		def.OAuth.ClientSecret = clientSecret
		def.OAuth.Confidential = true
	}
}

// NewFromDefinitions builds a registry directly, mainly for tests.
func NewFromDefinitions(defs ...*PlatformDefinition) *Registry {
	platforms := make(map[string]*PlatformDefinition, len(defs))
	for _, d := range defs {
		platforms[d.ID] = d
	}
	return &Registry{platforms: platforms}
}

// Get returns the platform with the given id, or false.
func (r *Registry) Get(id string) (*PlatformDefinition, bool) {
	def, ok := r.platforms[id]
	return def, ok
}

// All returns every platform sorted by id.
func (r *Registry) All() []*PlatformDefinition {
	out := make([]*PlatformDefinition, 0, len(r.platforms))
	for _, def := range r.platforms {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
