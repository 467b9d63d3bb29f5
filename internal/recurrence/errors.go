package recurrence

import "errors"

var (
	// ErrInvalidExpression is returned for a malformed cron expression
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrInvalidTimezone is returned for an unknown IANA timezone name
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrIntervalTooShort is returned when two consecutive occurrences are closer than the minimum interval
	ErrIntervalTooShort = errors.New("cron interval too short")

	// ErrNoOccurrence is returned when no occurrence exists within the search horizon
	ErrNoOccurrence = errors.New("no occurrence within search horizon")
)
