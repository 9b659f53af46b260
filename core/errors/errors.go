// Package errors classifies failures raised while computing gating
// decisions so callers can map them onto transport semantics: schema
// problems in loaded documents, absent upstream records, and the two
// flavors of upstream failure (connection-level and gateway/timeout).
package errors

import "errors"

type Category string

const (
	// CategorySchema marks a malformed policy or rule document. Fatal to
	// loading that document only.
	CategorySchema Category = "schema_error"
	// CategoryNotFound marks an absent upstream record (build, provenance).
	CategoryNotFound Category = "not_found"
	// CategoryNoSource marks build provenance that exists but carries no
	// source-control location. Permanent; degrades to "no remote rule".
	CategoryNoSource Category = "no_source"
	// CategoryConnection marks an unreachable upstream (connection, proxy
	// or TLS failure). Maps to 502.
	CategoryConnection Category = "connection_error"
	// CategoryGateway marks a protocol-violating or timed-out upstream
	// interaction, including retry exhaustion. Maps to 504 for timeouts;
	// the wrapped status carries the distinction.
	CategoryGateway Category = "gateway_error"
)

type classifiedError struct {
	category   Category
	code       string
	httpStatus int
	retryable  bool
	cause      error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return string(e.category)
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap classifies cause under a category with a short machine-readable code.
func Wrap(cause error, category Category, code string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		retryable: retryable,
		cause:     cause,
	}
}

// WrapGateway classifies an upstream failure together with the HTTP status
// the decision caller should observe (502 or 504).
func WrapGateway(cause error, httpStatus int) error {
	if cause == nil {
		return nil
	}
	category := CategoryGateway
	if httpStatus == 502 {
		category = CategoryConnection
	}
	return &classifiedError{
		category:   category,
		code:       "upstream_failure",
		httpStatus: httpStatus,
		retryable:  true,
		cause:      cause,
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

// HTTPStatusOf returns the upstream-failure status recorded on err, or 0.
func HTTPStatusOf(err error) int {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.httpStatus
	}
	return 0
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// IsSchema reports whether err is classified as a document schema error.
func IsSchema(err error) bool { return CategoryOf(err) == CategorySchema }

// IsNotFound reports whether err marks an absent upstream record.
func IsNotFound(err error) bool { return CategoryOf(err) == CategoryNotFound }

// IsNoSource reports whether err marks provenance without a source location.
func IsNoSource(err error) bool { return CategoryOf(err) == CategoryNoSource }

// IsGateway reports whether err marks an upstream connection or gateway
// failure of either flavor.
func IsGateway(err error) bool {
	c := CategoryOf(err)
	return c == CategoryGateway || c == CategoryConnection
}
