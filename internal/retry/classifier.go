package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stable error kinds surfaced to callers. These are wire-visible strings;
// renaming one is a protocol change.
const (
	KindValidation            = "ValidationError"
	KindCycleDetected         = "CycleDetected"
	KindDanglingEdge          = "DanglingEdge"
	KindEmptyGraph            = "EmptyGraph"
	KindTimeout               = "Timeout"
	KindRuntime               = "RuntimeError"
	KindResourceExceeded      = "ResourceExceeded"
	KindUnknownNodeType       = "UnknownNodeType"
	KindDuplicateInputBinding = "DuplicateInputBinding"
	KindTransport             = "TransportError"
	KindStateStore            = "StateStoreError"
	KindCancellation          = "CancellationRequested"
	KindDeadlineExceeded      = "DeadlineExceeded"
)

// Retryable reports whether a node failure of the given kind may be retried
// when attempts remain. Only Timeout, RuntimeError and TransportError are
// recoverable; everything else propagates immediately.
func Retryable(kind string) bool {
	switch kind {
	case KindTimeout, KindRuntime, KindTransport:
		return true
	default:
		return false
	}
}

// Classify analyzes an error from a node handler or a dispatch surface and
// maps it to a stable kind plus retryability. Handlers call arbitrary user
// code, so gRPC status errors, network errors and context errors all show
// up here.
func Classify(err error) (kind string, retryable bool) {
	if err == nil {
		return KindRuntime, false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation, false
	}

	// syscall.Errno satisfies net.Error, so errnos are sorted out first.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.ENETUNREACH:
			return KindTransport, true
		default:
			return KindRuntime, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, true
		}
		return KindTransport, true
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return classifyGRPCStatus(st.Code())
	}

	// String-based heuristics for wrapped errors from user code.
	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"unavailable",
		"rate limit",
		"too many requests",
		"service unavailable",
		"gateway timeout",
		"network unreachable",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return KindTimeout, true
		}
	}

	permanentPatterns := []string{
		"invalid",
		"validation failed",
		"not found",
		"unauthorized",
		"forbidden",
		"bad request",
		"missing",
		"malformed",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return KindRuntime, false
		}
	}

	// Unknown errors default to retryable RuntimeError: better to retry
	// unnecessarily than to give up on a recoverable failure.
	return KindRuntime, true
}

func classifyGRPCStatus(code codes.Code) (string, bool) {
	switch code {
	case codes.DeadlineExceeded:
		return KindTimeout, true
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return KindTransport, true
	case codes.Internal, codes.Unknown:
		return KindRuntime, true
	case codes.Canceled:
		return KindCancellation, false
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition,
		codes.OutOfRange, codes.Unimplemented:
		return KindRuntime, false
	default:
		return KindRuntime, true
	}
}
