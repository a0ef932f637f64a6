// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ProviderProfile describes how to probe one upstream provider: the
// endpoint a lightweight authenticated request goes to, how the
// credential is presented, and how status codes classify into
// outcomes. Profiles are authored as JSONC files (JSON extended with
// // comments and trailing commas), one per provider, in the
// configured provider directory. The file name (minus extension) is
// the provider name.
type ProviderProfile struct {
	// Name is the provider identifier keys reference. Set from the
	// file name; a "name" field in the file must match if present.
	Name string `json:"name"`

	// URL is the probe endpoint. Should be the cheapest authenticated
	// call the provider offers (a models listing, a quota check).
	URL string `json:"url"`

	// Method defaults to GET.
	Method string `json:"method"`

	// AuthHeader is the header the credential goes in. Defaults to
	// "Authorization".
	AuthHeader string `json:"auth_header"`

	// AuthFormat is the header value template; "{material}" is
	// replaced with the decrypted key material. Defaults to
	// "Bearer {material}".
	AuthFormat string `json:"auth_format"`

	// Timeout overrides the global probe timeout when positive.
	Timeout time.Duration `json:"-"`

	// TimeoutText is the on-disk form of Timeout ("10s").
	TimeoutText string `json:"timeout"`

	// StatusOutcomes maps explicit status codes (as decimal strings,
	// e.g. "429") or class patterns ("2xx", "5xx") to outcome names.
	// Lookup order: exact code, then class. Codes not matched by
	// either classify as network_error.
	StatusOutcomes map[string]string `json:"status_outcomes"`
}

// materialPlaceholder is the substitution token in AuthFormat.
const materialPlaceholder = "{material}"

// LoadProviderProfiles reads every *.jsonc and *.json file in dir.
// The returned map is keyed by provider name. An empty directory is
// valid (probing is simply idle); a missing directory is an error.
func LoadProviderProfiles(dir string) (map[string]*ProviderProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading provider directory: %w", err)
	}

	profiles := make(map[string]*ProviderProfile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".jsonc" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		profile, err := ReadProviderProfile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := profiles[profile.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate provider %q", path, profile.Name)
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}

// ReadProviderProfile reads and validates a single profile file.
func ReadProviderProfile(path string) (*ProviderProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	profile, err := parseProviderProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	nameFromFile := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if profile.Name == "" {
		profile.Name = nameFromFile
	} else if profile.Name != nameFromFile {
		return nil, fmt.Errorf("%s: name %q does not match file name %q", path, profile.Name, nameFromFile)
	}
	return profile, nil
}

// parseProviderProfile strips JSONC comments and trailing commas,
// unmarshals, applies defaults, and validates.
func parseProviderProfile(data []byte) (*ProviderProfile, error) {
	stripped := jsonc.ToJSON(data)

	var profile ProviderProfile
	if err := json.Unmarshal(stripped, &profile); err != nil {
		return nil, fmt.Errorf("parsing provider profile: %w", err)
	}

	if profile.Method == "" {
		profile.Method = http.MethodGet
	}
	if profile.AuthHeader == "" {
		profile.AuthHeader = "Authorization"
	}
	if profile.AuthFormat == "" {
		profile.AuthFormat = "Bearer " + materialPlaceholder
	}
	if profile.TimeoutText != "" {
		timeout, err := time.ParseDuration(profile.TimeoutText)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", profile.TimeoutText, err)
		}
		profile.Timeout = timeout
	}

	var problems []error
	if profile.URL == "" {
		problems = append(problems, fmt.Errorf("url is required"))
	}
	if !strings.Contains(profile.AuthFormat, materialPlaceholder) {
		problems = append(problems, fmt.Errorf("auth_format must contain %s", materialPlaceholder))
	}
	for pattern, outcomeName := range profile.StatusOutcomes {
		if !validStatusPattern(pattern) {
			problems = append(problems, fmt.Errorf("invalid status pattern %q", pattern))
		}
		if _, err := ParseOutcome(outcomeName); err != nil {
			problems = append(problems, fmt.Errorf("status pattern %q: %w", pattern, err))
		}
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return &profile, nil
}

// validStatusPattern accepts a three-digit code ("429") or a class
// pattern ("2xx" through "5xx").
func validStatusPattern(pattern string) bool {
	if len(pattern) != 3 {
		return false
	}
	if pattern[0] < '1' || pattern[0] > '5' {
		return false
	}
	if pattern[1] == 'x' && pattern[2] == 'x' {
		return true
	}
	return pattern[1] >= '0' && pattern[1] <= '9' && pattern[2] >= '0' && pattern[2] <= '9'
}

// ClassifyStatus maps an HTTP status code to an outcome using the
// profile's table where one is given, falling back to the standard
// classification: 2xx ok, 429 rate_limited, 401/403 auth_error,
// everything else network_error.
func (p *ProviderProfile) ClassifyStatus(code int) Outcome {
	if p.StatusOutcomes != nil {
		exact := fmt.Sprintf("%03d", code)
		if name, ok := p.StatusOutcomes[exact]; ok {
			return Outcome(name)
		}
		class := fmt.Sprintf("%dxx", code/100)
		if name, ok := p.StatusOutcomes[class]; ok {
			return Outcome(name)
		}
	}
	switch {
	case code >= 200 && code < 300:
		return OutcomeOK
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return OutcomeAuthError
	default:
		return OutcomeNetworkError
	}
}

// authHeaderValue renders the credential into the header template.
func (p *ProviderProfile) authHeaderValue(material string) string {
	return strings.ReplaceAll(p.AuthFormat, materialPlaceholder, material)
}
