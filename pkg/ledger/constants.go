package ledger

import "time"

const (
	operationAppend = "append"

	defaultMetadataJSON = "{}"
	maxReferenceLength  = 255

	appendMaxAttempts     = 4
	appendInitialInterval = 10 * time.Millisecond
	appendMaxInterval     = 200 * time.Millisecond

	errorOperationService = "service"
	errorSubjectAppend    = "append"
	errorSubjectBalance   = "balance"
	errorCodeInvalid      = "invalid"
	errorCodeInsufficient = "insufficient"
	errorCodeContention   = "contention"
)
