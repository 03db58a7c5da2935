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
)

var (
	ErrInvalidConfig       = errors.New("invalid verification service config")
	ErrInvalidNonce        = errors.New("invalid nonce")
	ErrVerificationTimeout = errors.New("verification timed out")
	ErrServiceRejected     = errors.New("verification service rejected the request")
	ErrMalformedResponse   = errors.New("malformed verification response")
	ErrInvalidToken        = errors.New("invalid token")
)

// maxErrorBody bounds how much of a rejected response body ends up in the
// error string. The full body stays available on the error value.
const maxErrorBody = 512

// ServiceRejectedError carries a non-2xx response from the verification
// service.
type ServiceRejectedError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *ServiceRejectedError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Sprintf("%s: %s: %s", ErrServiceRejected, e.Status, body)
}

func (*ServiceRejectedError) Unwrap() error {
	return ErrServiceRejected
}
