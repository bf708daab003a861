// Package transporttest provides a scriptable in-memory adapter for tests.
package transporttest

import (
	"context"
	"sync"

	"watchbot/internal/transport"
)

// Sent records one outbound call.
type Sent[ID comparable] struct {
	To         ID
	Text       string
	PictureURL string
	Options    transport.SendOptions
	Picture    bool
}

// Adapter is a fake transport. FailText/FailPicture decide per call whether
// the send fails and with which error.
type Adapter[ID comparable] struct {
	mu   sync.Mutex
	sent []Sent[ID]
	out  chan<- transport.Inbound[ID]

	FailText    func(to ID, text string, opt transport.SendOptions) error
	FailPicture func(to ID, caption, url string) error

	Started bool
	Stopped bool
}

func New[ID comparable]() *Adapter[ID] { return &Adapter[ID]{} }

func (a *Adapter[ID]) Start(ctx context.Context, out chan<- transport.Inbound[ID]) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = out
	a.Started = true
	return nil
}

func (a *Adapter[ID]) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = nil
	a.Stopped = true
	return nil
}

// Receive pushes an inbound message as if the platform delivered it.
func (a *Adapter[ID]) Receive(id ID, text string) bool {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return false
	}
	out <- transport.Inbound[ID]{ClientID: id, Text: text}
	return true
}

func (a *Adapter[ID]) SendText(ctx context.Context, to ID, text string, opt *transport.SendOptions) error {
	var o transport.SendOptions
	if opt != nil {
		o = *opt
	}
	a.mu.Lock()
	a.sent = append(a.sent, Sent[ID]{To: to, Text: text, Options: o})
	fail := a.FailText
	a.mu.Unlock()
	if fail != nil {
		return fail(to, text, o)
	}
	return nil
}

func (a *Adapter[ID]) SendPicture(ctx context.Context, to ID, caption, pictureURL string) error {
	a.mu.Lock()
	a.sent = append(a.sent, Sent[ID]{To: to, Text: caption, PictureURL: pictureURL, Picture: true})
	fail := a.FailPicture
	a.mu.Unlock()
	if fail != nil {
		return fail(to, caption, pictureURL)
	}
	return nil
}

// Sent returns a copy of all recorded calls.
func (a *Adapter[ID]) Sent() []Sent[ID] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent[ID](nil), a.sent...)
}

// SentTo returns the calls addressed to id.
func (a *Adapter[ID]) SentTo(id ID) []Sent[ID] {
	var out []Sent[ID]
	for _, s := range a.Sent() {
		if s.To == id {
			out = append(out, s)
		}
	}
	return out
}

// Reset clears recorded calls.
func (a *Adapter[ID]) Reset() {
	a.mu.Lock()
	a.sent = nil
	a.mu.Unlock()
}
