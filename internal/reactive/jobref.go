package reactive

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// malformedJobURLError means a queue message's URL has no parseable path
// (spec.md §4.7 step 3 "If the URL's path is empty: reject as malformed").
type malformedJobURLError struct {
	url string
}

func (e *malformedJobURLError) Error() string {
	return fmt.Sprintf("reactive: malformed job url: %q", e.url)
}

// parseJobURL extracts the owning repo (bare name, not the "owner/repo"
// slug — ci.Client.JobInfo takes its own configured owner separately) and
// numeric job ID from a CI job URL. Both the web UI shape
// (.../{owner}/{repo}/actions/runs/{run}/job/{job}) and the REST API shape
// (.../repos/{owner}/{repo}/actions/jobs/{job}) are recognized.
func parseJobURL(raw string) (repo string, jobID int64, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil || u.Path == "" {
		return "", 0, &malformedJobURLError{url: raw}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	if len(segments) >= 7 && segments[2] == "actions" && segments[3] == "runs" && segments[5] == "job" {
		id, convErr := strconv.ParseInt(segments[6], 10, 64)
		if convErr != nil {
			return "", 0, &malformedJobURLError{url: raw}
		}
		return segments[1], id, nil
	}

	if len(segments) >= 6 && segments[0] == "repos" && segments[3] == "actions" && segments[4] == "jobs" {
		id, convErr := strconv.ParseInt(segments[5], 10, 64)
		if convErr != nil {
			return "", 0, &malformedJobURLError{url: raw}
		}
		return segments[2], id, nil
	}

	return "", 0, &malformedJobURLError{url: raw}
}
