package store

import "errors"

var (
	// ErrReportNotFound maps gorm's record-not-found at the store boundary.
	ErrReportNotFound = errors.New("report not found")

	// ErrAlreadyMerged rejects a second merge of the same duplicate instead
	// of double-counting it into the original.
	ErrAlreadyMerged = errors.New("report already merged")

	// ErrNotCanonical means the merge target is itself a duplicate. The
	// resolver pre-filters duplicates, so hitting this is a defect, not a
	// user error.
	ErrNotCanonical = errors.New("merge target is itself a duplicate")
)
