package scrape

import "fmt"

// FetchError reports an HTTP-level failure while retrieving a page.
// Non-fatal: callers log it and continue with what they have.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scrape: fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("scrape: fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports that an expected structure was missing from a page.
// Non-fatal: the affected item (or listing) is dropped.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("scrape: parse %s: %s", e.URL, e.Reason)
}
