// Package transport defines the boundary between the manager core and a
// chat platform. Adapters are generic over the platform's client id type.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrDelivery marks a failure reported by the platform while delivering a
// message (network, API rejection, rate limiting). Only errors wrapping it
// are retried by the dispatcher.
var ErrDelivery = errors.New("delivery failed")

// DeliveryError wraps a platform error as delivery-class.
func DeliveryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDelivery, err)
}

// ParseMode selects how the platform renders a text message.
type ParseMode string

const (
	ParsePlain      ParseMode = ""
	ParseMarkdownV2 ParseMode = "MarkdownV2"
	ParseHTML       ParseMode = "HTML"
)

// Inbound is one text message received from a client.
type Inbound[ID comparable] struct {
	ClientID ID
	Text     string
}

type SendOptions struct {
	ParseMode      ParseMode
	DisablePreview bool
}

// Sender is the outbound half of an adapter.
type Sender[ID comparable] interface {
	SendText(ctx context.Context, to ID, text string, opt *SendOptions) error
	SendPicture(ctx context.Context, to ID, caption, pictureURL string) error
}

// Adapter connects one chat platform.
//
// Start must deliver one Inbound per received text message to out,
// asynchronously, until Stop is called or ctx is cancelled. Stop releases
// the connection. Sends must be safe for concurrent use.
type Adapter[ID comparable] interface {
	Sender[ID]
	Start(ctx context.Context, out chan<- Inbound[ID]) error
	Stop(ctx context.Context) error
}
