// Package ai — provider error classification.
//
// Classify decides how the agent loop reacts to a failed request: transient
// errors are retried with backoff, permanent errors end the turn, and
// context-overflow errors force a compaction before the retry.
//
// Classification is string matching against known provider error formats.
// Permanent patterns are checked before transient ones so an error matching
// both (e.g. "invalid request: rate limit header missing") is not retried
// forever.
package ai

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind tags a provider error for the retry policy.
type ErrorKind string

const (
	// ErrTransient covers rate limits, 5xx, connection drops, overload, and
	// stream idle timeouts. Retried with exponential backoff.
	ErrTransient ErrorKind = "transient"

	// ErrPermanent covers auth failures and malformed requests. Never
	// retried.
	ErrPermanent ErrorKind = "permanent"

	// ErrOverflow means the prompt exceeded the model's context window.
	// The agent compacts and retries.
	ErrOverflow ErrorKind = "overflow"
)

// overflowPatterns matches the context-window error message of every known
// provider dialect.
var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)prompt is too long`),
	regexp.MustCompile(`(?i)exceed.*context window`),
	regexp.MustCompile(`(?i)exceeds the limit of \d+`),
	regexp.MustCompile(`(?i)maximum context length is \d+ tokens`),
	regexp.MustCompile(`(?i)reduce the length of the messages`),
	regexp.MustCompile(`(?i)input token count.*exceeds the maximum`),
	regexp.MustCompile(`(?i)context[_ ]length[_ ]exceeded`),
	regexp.MustCompile(`(?i)too many tokens`),
	regexp.MustCompile(`(?i)token limit exceeded`),
}

var permanentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unauthorized`),
	regexp.MustCompile(`(?i)invalid[_ ]api[_ ]key`),
	regexp.MustCompile(`(?i)authentication`),
	regexp.MustCompile(`(?i)forbidden`),
	regexp.MustCompile(`(?i)invalid[_ ]request`),
	regexp.MustCompile(`(?i)invalid parameter`),
	regexp.MustCompile(`(?i)malformed`),
	regexp.MustCompile(`(?i)model not found`),
	regexp.MustCompile(`(?i)\b40[134]\b`),
}

var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate[_ ]limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)\b5\d\d\b`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`(?i)server error`),
	regexp.MustCompile(`(?i)connection (reset|refused|closed)`),
	regexp.MustCompile(`(?i)stream (idle|timeout)`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)deadline exceeded`),
	regexp.MustCompile(`(?i)\beof\b`),
}

// Classify tags err as transient, permanent, or overflow. It is a pure
// function of the error value; unknown errors default to transient so a
// novel provider hiccup gets at least one retry.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrTransient
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status != 0 {
		if kind, ok := classifyStatus(pe.Status, pe.Error()); ok {
			return kind
		}
	}

	s := err.Error()
	for _, re := range overflowPatterns {
		if re.MatchString(s) {
			return ErrOverflow
		}
	}
	for _, re := range permanentPatterns {
		if re.MatchString(s) {
			return ErrPermanent
		}
	}
	for _, re := range transientPatterns {
		if re.MatchString(s) {
			return ErrTransient
		}
	}
	return ErrTransient
}

func classifyStatus(status int, msg string) (ErrorKind, bool) {
	switch {
	case status == 429:
		return ErrTransient, true
	case status >= 500:
		return ErrTransient, true
	case status == 401 || status == 403:
		return ErrPermanent, true
	case status == 400 || status == 413:
		// 400/413 is either a malformed request or an overflow; the body
		// decides.
		for _, re := range overflowPatterns {
			if re.MatchString(msg) {
				return ErrOverflow, true
			}
		}
		return ErrPermanent, true
	}
	return "", false
}

// IsAbort reports whether err is a caller-initiated cancellation rather
// than a provider failure.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ---------------------------------------------------------------------------
// ProviderError
// ---------------------------------------------------------------------------

// ProviderError is a structured failure from an LLM provider. It carries
// the context the classifier and logs need.
type ProviderError struct {
	Provider string
	Model    string
	Status   int // HTTP status, 0 when not applicable
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }
