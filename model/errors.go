package model

import "errors"

var (
	// ErrUnreadableDocument means text extraction failed after all retries.
	ErrUnreadableDocument = errors.New("document is unreadable")
	// ErrProviderUnavailable is returned by an adapter whose backend cannot be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderTimeout is returned when an adapter call exceeded its timeout.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderChainExhausted means every provider of a fallback chain failed.
	ErrProviderChainExhausted = errors.New("all providers failed")
	// ErrEntityExtractionDegraded marks a completed document without entities.
	ErrEntityExtractionDegraded = errors.New("entity extraction degraded")
	// ErrClassificationDegraded marks a document classified by the default label.
	ErrClassificationDegraded = errors.New("classification degraded")
	// ErrIndexWriteFailure means the chunks could not be persisted to the index.
	ErrIndexWriteFailure = errors.New("index write failure")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessing = errors.New("document is already processing")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
)
