package ci

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v55/github"
)

// TokenError means the CI service rejected the configured credential
// (HTTP 401). It is never retryable: the operator must rotate the token
// (spec.md §4.2 "401 → TokenError, fatal, halt").
type TokenError struct{ Err error }

func (e *TokenError) Error() string   { return fmt.Sprintf("ci: token rejected: %v", e.Err) }
func (e *TokenError) Unwrap() error   { return e.Err }
func (e *TokenError) Retryable() bool { return false }

// JobNotFoundError means a job lookup returned 404. Callers should skip the
// message rather than fail the reconciliation (spec.md §4.2 "404 on job
// lookup → JobNotFoundError, non-fatal, skip").
type JobNotFoundError struct {
	Repo  string
	JobID int64
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("ci: job %d not found in %s", e.JobID, e.Repo)
}
func (e *JobNotFoundError) Retryable() bool { return false }

// ApiError wraps a transient failure: a 5xx response, a network error, or a
// rate limit. Retryable by the caller's retry policy (spec.md §4.2).
type ApiError struct {
	Err  error
	Hint string
}

func (e *ApiError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("ci: api error (%s): %v", e.Hint, e.Err)
	}
	return fmt.Sprintf("ci: api error: %v", e.Err)
}
func (e *ApiError) Unwrap() error   { return e.Err }
func (e *ApiError) Retryable() bool { return true }

// ClientError is any other non-2xx response not covered by the cases above:
// a caller bug (bad repo name, malformed request). Not retryable.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string   { return fmt.Sprintf("ci: client error: %v", e.Err) }
func (e *ClientError) Unwrap() error   { return e.Err }
func (e *ClientError) Retryable() bool { return false }

// classifyError maps a go-github response/error pair onto the fixed taxonomy
// from spec.md §4.2. jobLookup narrows a 404 to JobNotFoundError instead of
// ClientError; repo/jobID are only used to build that error's message.
func classifyError(resp *github.Response, err error, jobLookup bool, repo string, jobID int64) error {
	if err == nil {
		return nil
	}

	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	if errors.As(err, &rle) {
		return &ApiError{Err: err, Hint: "rate limited"}
	}
	if errors.As(err, &arle) {
		return &ApiError{Err: err, Hint: "secondary rate limit"}
	}

	if resp == nil || resp.Response == nil {
		// No HTTP response at all: DNS failure, connection reset, timeout.
		return &ApiError{Err: err, Hint: "network"}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &TokenError{Err: err}
	case http.StatusNotFound:
		if jobLookup {
			return &JobNotFoundError{Repo: repo, JobID: jobID}
		}
		return &ClientError{Err: err}
	case http.StatusTooManyRequests:
		return &ApiError{Err: err, Hint: "rate limited"}
	}

	if resp.StatusCode >= 500 {
		return &ApiError{Err: err, Hint: "server error"}
	}
	return &ClientError{Err: err}
}
