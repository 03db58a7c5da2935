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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// OverallResultClaim is the claim holding the service's overall verdict.
const OverallResultClaim = "x-nvidia-overall-att-result"

const (
	overallTokenPath = "0.1"
	deviceTokensPath = "1"
)

// VerificationResponse is the interpreted answer of the verification service.
// Raw always holds the full response body so callers can audit the claims.
type VerificationResponse struct {
	Passed        bool
	Raw           json.RawMessage
	OverallToken  *jwt.Token
	OverallClaims jwt.MapClaims
	// DeviceTokens maps device labels such as "GPU-0" to their signed
	// per-device tokens. They are passed through unverified.
	DeviceTokens map[string]string
}

// Interpret extracts the verdict from a verification service response of the
// form [["JWT", <overall token>], {"GPU-0": <device token>, ...}]. The verdict
// is never defaulted: anything short of a verified token carrying a boolean
// overall result is an ErrMalformedResponse. When body is valid JSON the
// response is returned alongside any error.
func Interpret(ctx context.Context, body []byte, verifier TokenVerifier) (*VerificationResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response body is not valid JSON", ErrMalformedResponse)
	}

	response := &VerificationResponse{
		Raw:          json.RawMessage(bytes.Clone(body)),
		DeviceTokens: make(map[string]string),
	}

	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return response, fmt.Errorf("%w: expected a top-level array", ErrMalformedResponse)
	}

	overall := root.Get(overallTokenPath)
	if overall.Type != gjson.String || overall.Str == "" {
		return response, fmt.Errorf("%w: overall token not found", ErrMalformedResponse)
	}

	devices := root.Get(deviceTokensPath)
	if devices.Exists() {
		if !devices.IsObject() {
			return response, fmt.Errorf("%w: expected device tokens to be an object", ErrMalformedResponse)
		}
		var deviceErr error
		devices.ForEach(func(key, value gjson.Result) bool {
			if value.Type != gjson.String {
				deviceErr = fmt.Errorf("%w: device token %q is not a string", ErrMalformedResponse, key.String())
				return false
			}
			response.DeviceTokens[key.String()] = value.Str
			return true
		})
		if deviceErr != nil {
			return response, deviceErr
		}
	}

	token, err := verifier.VerifyToken(ctx, overall.Str)
	response.OverallToken = token
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			err = fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return response, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	if token == nil {
		return response, fmt.Errorf("%w: no token returned by verifier", ErrMalformedResponse)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return response, fmt.Errorf("%w: failed to parse claims", ErrMalformedResponse)
	}
	response.OverallClaims = claims

	passed, ok := claims[OverallResultClaim].(bool)
	if !ok {
		return response, fmt.Errorf("%w: claim %s is missing or not a boolean", ErrMalformedResponse, OverallResultClaim)
	}
	response.Passed = passed

	return response, nil
}
