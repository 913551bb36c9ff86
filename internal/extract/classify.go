// Package extract implements the bulk extract engine: asynchronous query
// job lifecycle, remote error classification, and the blob sidecar.
package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/forcevault/forcevault/internal/salesforce"
)

// FailureKind is the closed classification of remote extract failures.
// The core branches on this enum; matching the remote's error strings is
// an implementation detail of the classifier.
type FailureKind int

const (
	// KindNone means no failure.
	KindNone FailureKind = iota
	// KindUnsupportedByBulk marks objects the bulk query API refuses.
	KindUnsupportedByBulk
	// KindRequiresFilter marks objects that demand a WHERE filter.
	KindRequiresFilter
	// KindPaginationUnsupported marks objects that cannot page results.
	KindPaginationUnsupported
	// KindExternalObject marks external (federated) objects.
	KindExternalObject
	// KindCsvSerialize marks rows the remote cannot serialize to CSV.
	KindCsvSerialize
	// KindMetadataFilterRequired marks metadata-backed reified columns.
	KindMetadataFilterRequired
	// KindConnectionPool marks pool-shutdown errors; retried once.
	KindConnectionPool
	// KindOutOfResources marks memory exhaustion during download.
	KindOutOfResources
	// KindTransient marks 5xx/network errors; retried once.
	KindTransient
	// KindFatal is anything else after retries are exhausted.
	KindFatal
)

// String returns the taxonomy name of the kind.
func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindUnsupportedByBulk:
		return "UnsupportedByBulk"
	case KindRequiresFilter:
		return "RequiresFilter"
	case KindPaginationUnsupported:
		return "PaginationUnsupported"
	case KindExternalObject:
		return "ExternalObject"
	case KindCsvSerialize:
		return "CsvSerialize"
	case KindMetadataFilterRequired:
		return "MetadataFilterRequired"
	case KindConnectionPool:
		return "ConnectionPool"
	case KindOutOfResources:
		return "OutOfResources"
	case KindTransient:
		return "Transient"
	default:
		return "Fatal"
	}
}

// IsSkip reports whether the kind marks the object Skipped rather than
// Failed: the object is unsupported, not broken.
func (k FailureKind) IsSkip() bool {
	switch k {
	case KindUnsupportedByBulk, KindRequiresFilter, KindPaginationUnsupported,
		KindExternalObject, KindCsvSerialize, KindMetadataFilterRequired:
		return true
	}
	return false
}

// IsRetryable reports whether the kind qualifies for the single automatic
// reconnect-and-retry.
func (k FailureKind) IsRetryable() bool {
	return k == KindTransient || k == KindConnectionPool
}

// Hint returns a remediation hint for the kind, or empty.
func (k FailureKind) Hint() string {
	switch k {
	case KindRequiresFilter, KindMetadataFilterRequired:
		return "try a WHERE filter"
	case KindOutOfResources:
		return "raise available memory or lower parallelism"
	case KindUnsupportedByBulk:
		return "object must be exported through the synchronous API"
	}
	return ""
}

// Classify maps a remote error to its FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	msg := err.Error()
	code := ""
	var apiErr *salesforce.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode
		msg = apiErr.Message
	}

	switch {
	case code == "INVALIDENTITY" || containsFold(msg, "not supported by the Bulk API"):
		return KindUnsupportedByBulk
	case containsFold(msg, "Implementation restriction") || containsFold(msg, "requires a filter"):
		return KindRequiresFilter
	case code == "EXCEEDED_ID_LIMIT" || containsFold(msg, "does not support queryMore"):
		return KindPaginationUnsupported
	case code == "EXTERNAL_OBJECT_EXCEPTION" || containsFold(msg, "Transient queries"):
		return KindExternalObject
	case containsFold(msg, "Cannot serialize") || containsFold(msg, "CSV format"):
		return KindCsvSerialize
	case code == "MALFORMED_QUERY" && containsFold(msg, "reified column"):
		return KindMetadataFilterRequired
	case containsFold(msg, "Connection pool shut down") || containsFold(msg, "Pool closed"):
		return KindConnectionPool
	case containsFold(msg, "out of memory") || containsFold(msg, "OutOfMemory"):
		return KindOutOfResources
	case apiErr != nil && apiErr.IsServerError():
		return KindTransient
	case apiErr == nil && isNetworkError(msg):
		return KindTransient
	default:
		return KindFatal
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func isNetworkError(msg string) bool {
	for _, marker := range []string{"connection refused", "connection reset", "EOF", "timeout", "no such host", "broken pipe"} {
		if containsFold(msg, marker) {
			return true
		}
	}
	return false
}

// CleanMessage strips noisy prefixes from an error message before it is
// surfaced on an ObjectBackupResult.
func CleanMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, prefix := range []string{
		"failed to create query job: ",
		"failed to get query job: ",
		"query job failed: ",
	} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}
