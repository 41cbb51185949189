package crawler

import "errors"

var (
	// ErrPoolExhausted is returned when no proxy is active and revival found none.
	ErrPoolExhausted = errors.New("proxy pool exhausted")
	// ErrBlocked marks a response classified as a block or challenge page.
	ErrBlocked = errors.New("fetch blocked")
	// ErrFetchFailed marks a fetch that failed on every lane it tried.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrInvalidPlaybook marks a playbook that failed validation at load time.
	ErrInvalidPlaybook = errors.New("invalid playbook")
	// ErrPersistence marks a failed write of results or crawl state.
	ErrPersistence = errors.New("persistence failure")
)
