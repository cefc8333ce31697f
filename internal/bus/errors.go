package bus

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrBrokerUnavailable is returned when there is no live bus connection
	ErrBrokerUnavailable = errors.New("bus: broker unavailable")
	// ErrAlreadySubscribed is returned when a pattern already has a subscription
	ErrAlreadySubscribed = errors.New("bus: pattern already subscribed")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("bus: connection closed")
	// ErrInvalidPattern is returned for empty or malformed patterns
	ErrInvalidPattern = errors.New("bus: invalid subject pattern")
	// ErrInvalidTopic is returned when publishing to an empty or wildcard topic
	ErrInvalidTopic = errors.New("bus: invalid topic")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("bus connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("bus connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a failed publish
type PublishError struct {
	Topic     string
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("bus publish error: %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the broker cannot be reached
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable) || errors.Is(err, ErrClosed)
}

// SanitizeURL removes credentials from connection URLs
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}
