/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

// ErrorCode is a stable, client-visible error code sent in `error` frames
// and REST error bodies. Never derived from a Go error's message text, so
// internals never leak to a client.
type ErrorCode string

const (
	ErrAuthInvalidToken        ErrorCode = "auth.invalid_token"
	ErrAuthExpired             ErrorCode = "auth.expired"
	ErrAuthUnknownIssuer       ErrorCode = "auth.unknown_issuer"
	ErrAuthUnknownKey          ErrorCode = "auth.unknown_key"
	ErrAuthAlgorithmNotAllowed ErrorCode = "auth.algorithm_not_allowed"
	ErrAuthProviderUnhealthy   ErrorCode = "auth.provider_unhealthy"

	ErrAuthzDenied ErrorCode = "authz.denied"

	ErrRateExceeded ErrorCode = "rate.exceeded"
	ErrRateLockout  ErrorCode = "rate.lockout"

	ErrQuotaGlobal  ErrorCode = "quota.global"
	ErrQuotaPerUser ErrorCode = "quota.per_user"

	ErrSessionNotFound ErrorCode = "session.not_found"
	ErrSessionNotOwner ErrorCode = "session.not_owner"
	ErrSessionTerminated ErrorCode = "session.terminated"

	ErrPtySpawnFailed    ErrorCode = "pty.spawn_failed"
	ErrPtyIOError        ErrorCode = "pty.io_error"
	ErrPtyResizeInvalid  ErrorCode = "pty.resize_invalid"

	ErrProtocolMalformed     ErrorCode = "protocol.malformed"
	ErrProtocolSizeExceeded  ErrorCode = "protocol.size_exceeded"
	ErrProtocolOutOfSequence ErrorCode = "protocol.out_of_sequence"

	ErrPathEscapeAttempt ErrorCode = "path.escape_attempt"
)
