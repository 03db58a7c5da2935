// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nras

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
)

const (
	DefaultGPUServiceURL    = "https://nras.attestation.nvidia.com/v3/attest/gpu"
	DefaultSwitchServiceURL = "https://nras.attestation.nvidia.com/v3/attest/switch"
	DefaultTimeout          = 30 * time.Second
	DefaultClaimsVersion    = "3.0"

	ArchHopper    = "HOPPER"
	ArchBlackwell = "BLACKWELL"
	ArchLS10      = "LS10"

	// AllowHoldCertHeader asks the service to accept certificates whose OCSP
	// status is "on hold".
	AllowHoldCertHeader = "X-NVIDIA-OCSP-ALLOW-CERT-HOLD"

	jwksPath = "/.well-known/jwks.json"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvAllowHoldCert = "NV_ALLOW_HOLD_CERT"
	EnvGPUURL        = "NRAS_GPU_URL"
	EnvSwitchURL     = "NRAS_SWITCH_URL"
	EnvTimeout       = "NRAS_TIMEOUT"
	EnvClaimsVersion = "NRAS_CLAIMS_VERSION"
	EnvServiceKey    = "NRAS_SERVICE_KEY"
)

var supportedClaimsVersions = []string{"2.0", "3.0"}

// Config is the per-call configuration of a remote verification.
type Config struct {
	// ServiceURL is the full attestation endpoint for one device class.
	ServiceURL string
	Timeout    time.Duration
	// ClaimsVersion selects the claims schema of the returned tokens.
	ClaimsVersion string
	// AllowHold accepts certificates in OCSP "hold" status.
	AllowHold bool
	// AuthToken is sent verbatim in the Authorization header when set.
	AuthToken string
	// JWKSURL overrides the key set location derived from ServiceURL.
	JWKSURL string
	Arch    string
}

func DefaultGPUConfig() Config {
	return Config{
		ServiceURL:    DefaultGPUServiceURL,
		Timeout:       DefaultTimeout,
		ClaimsVersion: DefaultClaimsVersion,
		Arch:          ArchHopper,
	}
}

func DefaultSwitchConfig() Config {
	return Config{
		ServiceURL:    DefaultSwitchServiceURL,
		Timeout:       DefaultTimeout,
		ClaimsVersion: DefaultClaimsVersion,
		Arch:          ArchLS10,
	}
}

// DefaultConfig returns the default configuration for a device class.
func DefaultConfig(class evidence.Class) Config {
	if class == evidence.ClassNvSwitch {
		return DefaultSwitchConfig()
	}
	return DefaultGPUConfig()
}

func (c Config) Validate() error {
	var allErrors field.ErrorList

	if c.ServiceURL == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("serviceURL"), "service URL is required"))
	} else if err := validateHTTPURL(c.ServiceURL); err != nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("serviceURL"), c.ServiceURL, err.Error()))
	}
	if c.JWKSURL != "" {
		if err := validateHTTPURL(c.JWKSURL); err != nil {
			allErrors = append(allErrors, field.Invalid(field.NewPath("jwksURL"), c.JWKSURL, err.Error()))
		}
	}
	if c.Timeout <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("timeout"), c.Timeout.String(), "timeout must be positive"))
	}
	if !slices.Contains(supportedClaimsVersions, c.ClaimsVersion) {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("claimsVersion"), c.ClaimsVersion, supportedClaimsVersions))
	}
	if c.Arch == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("arch"), "architecture is required"))
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, allErrors.ToAggregate())
	}
	return nil
}

// KeySetURL returns where the service publishes its token signing keys.
func (c Config) KeySetURL() (string, error) {
	if c.JWKSURL != "" {
		return c.JWKSURL, nil
	}
	u, err := url.Parse(c.ServiceURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse service URL: %w", err)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: jwksPath}).String(), nil
}

// ConfigFromEnv overlays environment settings, read through lookup, onto the
// defaults of class.
func ConfigFromEnv(class evidence.Class, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig(class)

	urlKey := EnvGPUURL
	if class == evidence.ClassNvSwitch {
		urlKey = EnvSwitchURL
	}
	if v, ok := lookup(urlKey); ok && v != "" {
		cfg.ServiceURL = v
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		timeout, err := parseTimeout(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvTimeout, err)
		}
		cfg.Timeout = timeout
	}
	if v, ok := lookup(EnvClaimsVersion); ok && v != "" {
		cfg.ClaimsVersion = v
	}
	if v, ok := lookup(EnvAllowHoldCert); ok {
		cfg.AllowHold = v == "true"
	}
	if v, ok := lookup(EnvServiceKey); ok {
		cfg.AuthToken = v
	}

	return cfg, cfg.Validate()
}

// parseTimeout accepts a Go duration or a whole number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(seconds) * time.Second, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
