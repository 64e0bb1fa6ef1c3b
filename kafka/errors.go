package kafka

import (
	"errors"
	"net"
	"strings"

	kafkago "github.com/segmentio/kafka-go"

	apperrors "github.com/kbukum/etlkit/errors"
)

// connectionHints match transport failures kafka-go reports as plain errors.
var connectionHints = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"broker not available",
	"dial tcp",
}

// IsConnectionError reports whether err means no broker could be reached.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	if errors.Is(err, kafkago.BrokerNotAvailable) || errors.Is(err, kafkago.NetworkException) {
		return true
	}
	return matchAny(err, connectionHints)
}

// IsRetryableError reports whether the write may succeed if repeated. Broker
// protocol errors carry their own Temporary flag.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsConnectionError(err) {
		return true
	}
	var kerr kafkago.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary() || kerr.Timeout()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return matchAny(err, []string{"i/o timeout", "request timed out", "not enough replicas"})
}

// FromKafka converts a producer error to an AppError so dead-letter writes
// carry BROKER_ERROR or CONNECTION_FAILED.
func FromKafka(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if IsConnectionError(err) {
		return apperrors.ConnectionFailed("kafka").WithCause(err)
	}
	appErr := apperrors.BrokerError(err)
	appErr.Retryable = IsRetryableError(err)
	return appErr
}

func matchAny(err error, hints []string) bool {
	msg := strings.ToLower(err.Error())
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
