// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"errors"
	"fmt"
)

// DenialError is a guardrail rejection. It aborts the entire fallback
// sequence: a denial signals a policy violation, not a transient fault, so
// it is never retried against the next plan entry.
type DenialError struct {
	Route    string         `json:"route"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Reason   string         `json:"reason"`
	Detail   map[string]any `json:"detail,omitempty"`
}

func (e *DenialError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("call denied on route %q (%s/%s): %s", e.Route, e.Provider, e.Model, e.Reason)
	}
	return fmt.Sprintf("call denied on route %q: %s", e.Route, e.Reason)
}

// AttemptError is a failure of one specific (provider, model) attempt:
// network error, timeout, non-2xx, malformed payload, or a configuration
// problem such as a missing credential. It is counted as a per-run failure
// and triggers fallback to the next plan entry.
type AttemptError struct {
	Provider   string
	Model      string
	Code       string
	StatusCode int
	Message    string
	Cause      error
}

// Attempt error codes.
const (
	ErrCodeNetwork           = "network_error"
	ErrCodeTimeout           = "timeout"
	ErrCodeHTTP              = "http_error"
	ErrCodeBadPayload        = "bad_payload"
	ErrCodeUnknownProvider   = "unknown_provider"
	ErrCodeMissingCredential = "missing_credential"
)

func (e *AttemptError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s/%s attempt failed (%s, status %d): %s", e.Provider, e.Model, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s/%s attempt failed (%s): %s", e.Provider, e.Model, e.Code, e.Message)
}

func (e *AttemptError) Unwrap() error {
	return e.Cause
}

// PlanExhaustedError is returned when every plan entry failed with a
// transient error and no denial occurred. LastErr is the final attempt's
// failure.
type PlanExhaustedError struct {
	Route    string
	Attempts int
	LastErr  error
}

func (e *PlanExhaustedError) Error() string {
	return fmt.Sprintf("all %d plan entries exhausted for route %q: last error: %v", e.Attempts, e.Route, e.LastErr)
}

func (e *PlanExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsDenial reports whether err is (or wraps) a guardrail denial.
func IsDenial(err error) bool {
	var d *DenialError
	return errors.As(err, &d)
}

// IsExhausted reports whether err is (or wraps) a plan-exhaustion error.
func IsExhausted(err error) bool {
	var p *PlanExhaustedError
	return errors.As(err, &p)
}
