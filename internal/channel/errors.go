// Package channel delivers queue items over email, SMS, push and in-app transports
package channel

import (
	"errors"
	"fmt"

	"github.com/foxzi/herald/internal/queue"
)

// DeliveryError is a send failure with retry classification
type DeliveryError struct {
	Channel   queue.Channel
	Permanent bool
	Message   string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Channel, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Channel, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient returns a retryable delivery error
func Transient(ch queue.Channel, msg string, err error) *DeliveryError {
	return &DeliveryError{Channel: ch, Message: msg, Err: err}
}

// Permanent returns a delivery error that skips remaining retries
func Permanent(ch queue.Channel, msg string, err error) *DeliveryError {
	return &DeliveryError{Channel: ch, Permanent: true, Message: msg, Err: err}
}

// IsPermanent reports whether err should bypass retries.
// Errors that are not DeliveryErrors are treated as transient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent
	}
	return false
}
