// Package command parses inbound chat text and applies it to subscriber
// state. Each mutation is persisted before Process returns, so replies
// are only ever sent for state that is already stored.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"watchbot/internal/metrics"
	"watchbot/internal/storage"
	"watchbot/internal/subscription"
	logx "watchbot/pkg/logx"
)

// Result is what the manager needs to answer an inbound message.
type Result[ID comparable] struct {
	Command string
	// Reply is plain text. Empty when Listing is set.
	Reply string
	// Listing asks the caller to render the subscriber's subscriptions.
	Listing *subscription.Subscriber[ID]
	Mutated bool
	Err     error
}

type Option func(*options)

type options struct {
	botName string
}

// WithBotName makes "/cmd@<name>" resolve to "cmd". Without it any
// "@suffix" is dropped.
func WithBotName(name string) Option {
	return func(o *options) { o.botName = strings.TrimPrefix(strings.TrimSpace(name), "@") }
}

type Processor[ID comparable] struct {
	store   storage.Store[ID]
	log     logx.Logger
	metrics *metrics.Metrics
	opts    options
	cmds    map[string]*spec[ID]
	order   []*spec[ID]
}

func New[ID comparable](store storage.Store[ID], log logx.Logger, m *metrics.Metrics, opts ...Option) *Processor[ID] {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor[ID]{
		store:   store,
		log:     log.With(logx.String("comp", "command")),
		metrics: m,
		cmds:    map[string]*spec[ID]{},
	}
	for _, o := range opts {
		o(&p.opts)
	}
	for _, s := range p.specs() {
		p.order = append(p.order, s)
		p.cmds[s.Name] = s
		for _, a := range s.Aliases {
			p.cmds[a] = s
		}
	}
	return p
}

// Process parses text and applies it to the subscriber id. The caller
// must serialize calls per id.
func (p *Processor[ID]) Process(ctx context.Context, id ID, text string) Result[ID] {
	toks := tokenize(text)
	if len(toks) == 0 {
		return p.finish(id, Result[ID]{Err: fmt.Errorf("%w: empty message", subscription.ErrUnknownCommand)})
	}
	word := commandWord(toks[0], p.opts.botName)
	s, known := p.cmds[word]
	res := Result[ID]{}
	if known {
		res.Command = s.Name
	}

	// The first message from an unseen id creates its subscriber, even
	// when the command itself is not understood.
	sub, err := p.store.Get(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("%w: load subscriber: %w", subscription.ErrStorage, err)
		return p.finish(id, res)
	}
	sub.Normalize()
	if !known {
		res.Err = fmt.Errorf("%w: %q", subscription.ErrUnknownCommand, word)
		return p.finish(id, res)
	}

	c := &call[ID]{p: p, sub: &sub, args: toks[1:]}
	reply, err := s.run(ctx, c)
	if err != nil {
		res.Err = err
		return p.finish(id, res)
	}
	if c.list {
		snap := sub.Clone()
		res.Listing = &snap
		return p.finish(id, res)
	}
	if s.Mutates {
		if err := p.store.Save(ctx, sub); err != nil {
			res.Err = fmt.Errorf("%w: save subscriber: %w", subscription.ErrStorage, err)
			return p.finish(id, res)
		}
		res.Mutated = true
	}
	res.Reply = reply
	return p.finish(id, res)
}

func (p *Processor[ID]) finish(id ID, res Result[ID]) Result[ID] {
	if res.Err == nil {
		p.metrics.IncCommand(res.Command, "ok")
		p.log.Debug("command applied", logx.Any("client", id), logx.String("cmd", res.Command), logx.Bool("mutated", res.Mutated))
		return res
	}
	if subscription.IsUserError(res.Err) {
		return p.userReply(id, res)
	}
	if errors.Is(res.Err, subscription.ErrStorage) {
		p.metrics.IncCommand(res.Command, "storage_error")
		p.log.Error("command not applied", logx.Any("client", id), logx.String("cmd", res.Command), logx.Err(res.Err))
		res.Reply = "Something went wrong while saving your change. Nothing was applied, please try again later."
		return res
	}
	p.metrics.IncCommand(res.Command, "error")
	p.log.Error("command failed", logx.Any("client", id), logx.String("cmd", res.Command), logx.Err(res.Err))
	res.Reply = "Something went wrong. Please try again later."
	return res
}

// userReply answers mistakes in the user's input with a hint. They are
// logged at debug only.
func (p *Processor[ID]) userReply(id ID, res Result[ID]) Result[ID] {
	switch {
	case errors.Is(res.Err, subscription.ErrUnknownCommand):
		p.metrics.IncCommand("unknown", "unknown_command")
		p.log.Debug("unknown command", logx.Any("client", id), logx.Err(res.Err))
		res.Reply = "Sorry, I don't know that command.\n\n" + p.usage()
	case errors.Is(res.Err, subscription.ErrNotFound):
		p.metrics.IncCommand(res.Command, "not_found")
		p.log.Debug("command target not found", logx.Any("client", id), logx.String("cmd", res.Command), logx.Err(res.Err))
		res.Reply = userMessage(res.Err, subscription.ErrNotFound) + "\nSend \"list\" to see your subscriptions."
	default:
		p.metrics.IncCommand(res.Command, "invalid_argument")
		p.log.Debug("invalid command arguments", logx.Any("client", id), logx.String("cmd", res.Command), logx.Err(res.Err))
		res.Reply = userMessage(res.Err, subscription.ErrInvalidArgument)
		if s, ok := p.cmds[res.Command]; ok {
			res.Reply += "\nUsage: " + s.Usage
		}
	}
	return res
}

// userMessage strips the sentinel prefix from a wrapped error so the
// detail can be shown to the user without internal wording.
func userMessage(err, sentinel error) string {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	if msg == "" {
		return sentinel.Error()
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}
