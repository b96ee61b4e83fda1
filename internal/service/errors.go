package service

import (
	"errors"
	"fmt"
)

// ErrCandidateNotFound is returned when a match decision references a
// candidate that expired or was already decided.
var ErrCandidateNotFound = errors.New("match candidate not found")

// LocalDataError marks a malformed local entity. Such entities are rejected
// before they reach the ledger and never create a SyncPair.
type LocalDataError struct {
	LocalID string
	Reason  string
}

func (e *LocalDataError) Error() string {
	return fmt.Sprintf("local entity %s rejected: %s", e.LocalID, e.Reason)
}
