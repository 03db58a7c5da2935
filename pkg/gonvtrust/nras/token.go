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
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// jwtLeeway is the clock drift tolerated on exp and nbf between the service
// and this host.
const jwtLeeway = 10 * time.Second

var validSigningMethods = []string{jwt.SigningMethodES384.Alg(), jwt.SigningMethodES256.Alg()}

// TokenVerifier checks the signature of a token issued by the verification
// service.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, signedToken string) (*jwt.Token, error)
}

// JWKSVerifier verifies tokens against the key set published by the service.
// The key set is fetched per call and nothing outlives the call.
type JWKSVerifier struct {
	keySetURL string
}

func NewJWKSVerifier(keySetURL string) *JWKSVerifier {
	return &JWKSVerifier{keySetURL: keySetURL}
}

func (v *JWKSVerifier) VerifyToken(ctx context.Context, signedToken string) (*jwt.Token, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{v.keySetURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create a keyfunc from %s: %w", v.keySetURL, err)
	}
	parsed, err := jwt.Parse(signedToken, k.Keyfunc,
		jwt.WithLeeway(jwtLeeway),
		jwt.WithValidMethods(validSigningMethods))
	if err != nil {
		// jwt.Parse may return a non-nil token even if it fails validation.
		// Bubble up the (busted) token for later inspection.
		return parsed, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return parsed, nil
}
