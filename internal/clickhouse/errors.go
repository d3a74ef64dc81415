package clickhouse

import (
	"errors"
	"fmt"
	"strings"
)

// Server error markers used to classify non-2xx responses. ClickHouse embeds
// the symbolic error name in the response body.
const (
	markerStaleReplica = "ALL_REPLICAS_ARE_STALE"
	markerMemoryLimit  = "MEMORY_LIMIT_EXCEEDED"
)

// ErrQueryNotFound is returned by QueryStatus when no query-log event is
// visible for the query id after the post-submission window. It means the
// terminal status of that attempt is unknowable, not that nothing ran.
var ErrQueryNotFound = errors.New("clickhouse: query not found in query log")

// QueryError is a generic server-side query failure carrying the query text
// and the server's message.
type QueryError struct {
	Query   string
	Message string
	Status  int
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("clickhouse: query failed (HTTP %d): %s", e.Status, e.Message)
}

// StaleReplicaError indicates every queried replica was behind. Retrying
// against a different replica set may succeed.
type StaleReplicaError struct {
	QueryError
}

// MemoryLimitError indicates the server refused the query for exceeding its
// memory budget. Retrying unchanged will fail again; callers should shrink
// the batch or query before retrying.
type MemoryLimitError struct {
	QueryError
}

// ClientTimeoutError means the client gave up waiting. The server-side query
// may still be running; treat the outcome as unknown.
type ClientTimeoutError struct {
	Query string
}

func (e *ClientTimeoutError) Error() string {
	return "clickhouse: client timed out waiting for query"
}

// classifyError turns a non-success response body into the most specific
// error kind the message allows.
func classifyError(query, message string, status int) error {
	qe := QueryError{Query: query, Message: message, Status: status}
	switch {
	case strings.Contains(message, markerStaleReplica):
		return &StaleReplicaError{qe}
	case strings.Contains(message, markerMemoryLimit):
		return &MemoryLimitError{qe}
	default:
		return &qe
	}
}

// IsRetryable reports whether err is worth retrying unchanged. Memory-limit
// errors are excluded: they need a smaller query, not another attempt.
func IsRetryable(err error) bool {
	var memErr *MemoryLimitError
	if errors.As(err, &memErr) {
		return false
	}
	var staleErr *StaleReplicaError
	var queryErr *QueryError
	var timeoutErr *ClientTimeoutError
	return errors.As(err, &staleErr) || errors.As(err, &queryErr) || errors.As(err, &timeoutErr)
}
