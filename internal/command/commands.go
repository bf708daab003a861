package command

import (
	"context"
	"fmt"
	"strings"

	"watchbot/internal/subscription"
)

type spec[ID comparable] struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	// Mutates marks commands whose successful run must be persisted.
	Mutates bool
	run     func(ctx context.Context, c *call[ID]) (string, error)
}

// call is the per-invocation state handed to a handler. Handlers mutate
// sub in place; the processor persists it afterwards.
type call[ID comparable] struct {
	p    *Processor[ID]
	sub  *subscription.Subscriber[ID]
	args []string
	list bool
}

func (c *call[ID]) rest() string { return strings.TrimSpace(strings.Join(c.args, " ")) }

// find resolves a URL-or-title reference.
func (c *call[ID]) find(ref string) (int, error) {
	if strings.TrimSpace(ref) == "" {
		return -1, fmt.Errorf("%w: a subscription URL or title is required", subscription.ErrInvalidArgument)
	}
	i := c.sub.Find(ref)
	if i < 0 {
		return -1, fmt.Errorf("%w: no subscription matches %q", subscription.ErrNotFound, ref)
	}
	return i, nil
}

func (p *Processor[ID]) specs() []*spec[ID] {
	return []*spec[ID]{
		{
			Name:        "list",
			Aliases:     []string{"ls"},
			Usage:       "list",
			Description: "show your subscriptions",
			run:         cmdList[ID],
		},
		{
			Name:        "subscribe",
			Aliases:     []string{"sub", "add"},
			Usage:       `subscribe <url> [include:k1,k2] [exclude:k1,k2] [title:"name"]`,
			Description: "watch a search URL",
			Mutates:     true,
			run:         cmdSubscribe[ID],
		},
		{
			Name:        "unsubscribe",
			Aliases:     []string{"unsub", "remove", "rm"},
			Usage:       "unsubscribe <url-or-title> | unsubscribe all",
			Description: "stop watching a search URL",
			Mutates:     true,
			run:         cmdUnsubscribe[ID],
		},
		{
			Name:        "enable",
			Usage:       "enable <url-or-title>",
			Description: "resume notifications",
			Mutates:     true,
			run:         setEnabled[ID](true),
		},
		{
			Name:        "disable",
			Usage:       "disable <url-or-title>",
			Description: "pause notifications",
			Mutates:     true,
			run:         setEnabled[ID](false),
		},
		{
			Name:        "include",
			Usage:       "include <url-or-title> [k1,k2]",
			Description: "only notify when a keyword matches (no keywords clears)",
			Mutates:     true,
			run:         setKeywords[ID](true),
		},
		{
			Name:        "exclude",
			Usage:       "exclude <url-or-title> [k1,k2]",
			Description: "never notify when a keyword matches (no keywords clears)",
			Mutates:     true,
			run:         setKeywords[ID](false),
		},
		{
			Name:        "rename",
			Usage:       "rename <url-or-title> <new title>",
			Description: "change a subscription title",
			Mutates:     true,
			run:         cmdRename[ID],
		},
		{
			Name:        "help",
			Aliases:     []string{"start"},
			Usage:       "help",
			Description: "show this message",
			run: func(_ context.Context, c *call[ID]) (string, error) {
				return c.p.usage(), nil
			},
		},
	}
}

func (p *Processor[ID]) usage() string {
	lines := []string{"Commands:"}
	for _, s := range p.order {
		lines = append(lines, "  "+s.Usage+" - "+s.Description)
	}
	lines = append(lines, "", "Titles with spaces can be quoted, e.g. enable \"my flat\".")
	return strings.Join(lines, "\n")
}

func cmdList[ID comparable](_ context.Context, c *call[ID]) (string, error) {
	c.list = true
	return "", nil
}

func cmdSubscribe[ID comparable](_ context.Context, c *call[ID]) (string, error) {
	var (
		rawURL           string
		title            string
		include, exclude []string
	)
	for _, tok := range joinKeywordLists(c.args) {
		if key, val, ok := splitOption(tok); ok {
			switch key {
			case "include", "inc":
				include = subscription.ParseKeywords(val)
				continue
			case "exclude", "exc":
				exclude = subscription.ParseKeywords(val)
				continue
			case "title":
				title = strings.TrimSpace(val)
				if title == "" {
					return "", fmt.Errorf("%w: title must not be empty", subscription.ErrInvalidArgument)
				}
				continue
			case "http", "https":
			default:
				return "", fmt.Errorf("%w: unknown option %q", subscription.ErrInvalidArgument, key)
			}
		}
		if rawURL != "" {
			return "", fmt.Errorf("%w: unexpected argument %q", subscription.ErrInvalidArgument, tok)
		}
		rawURL = tok
	}
	if rawURL == "" {
		return "", fmt.Errorf("%w: a URL is required", subscription.ErrInvalidArgument)
	}
	u, err := subscription.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	if c.sub.HasURL(u) {
		return "", fmt.Errorf("%w: you are already subscribed to %s", subscription.ErrInvalidArgument, u)
	}
	if title == "" {
		title = subscription.DeriveTitle(u)
	}
	title = c.sub.UniqueTitle(title)
	if include == nil {
		include = []string{}
	}
	if exclude == nil {
		exclude = []string{}
	}
	s := subscription.Subscription{
		Title:           title,
		QueryURL:        u,
		IncludeKeywords: include,
		ExcludeKeywords: exclude,
		Enabled:         true,
	}
	c.sub.Subscriptions = append(c.sub.Subscriptions, s)

	var b strings.Builder
	fmt.Fprintf(&b, "Subscribed to %q (%s).", s.Title, s.QueryURL)
	if len(include) > 0 {
		fmt.Fprintf(&b, "\nIncluded keywords: %s", strings.Join(include, ", "))
	}
	if len(exclude) > 0 {
		fmt.Fprintf(&b, "\nExcluded keywords: %s", strings.Join(exclude, ", "))
	}
	return b.String(), nil
}

func cmdUnsubscribe[ID comparable](_ context.Context, c *call[ID]) (string, error) {
	ref := c.rest()
	if strings.EqualFold(ref, "all") {
		n := len(c.sub.Subscriptions)
		if n == 0 {
			return "", fmt.Errorf("%w: you have no subscriptions", subscription.ErrNotFound)
		}
		c.sub.Subscriptions = []subscription.Subscription{}
		return fmt.Sprintf("Removed all %d subscription(s).", n), nil
	}
	i, err := c.find(ref)
	if err != nil {
		return "", err
	}
	removed := c.sub.Subscriptions[i]
	c.sub.Subscriptions = append(c.sub.Subscriptions[:i], c.sub.Subscriptions[i+1:]...)
	return fmt.Sprintf("Unsubscribed from %q.", removed.Title), nil
}

func setEnabled[ID comparable](enabled bool) func(context.Context, *call[ID]) (string, error) {
	return func(_ context.Context, c *call[ID]) (string, error) {
		i, err := c.find(c.rest())
		if err != nil {
			return "", err
		}
		s := &c.sub.Subscriptions[i]
		s.Enabled = enabled
		if enabled {
			return fmt.Sprintf("Enabled %q.", s.Title), nil
		}
		return fmt.Sprintf("Disabled %q.", s.Title), nil
	}
}

func setKeywords[ID comparable](include bool) func(context.Context, *call[ID]) (string, error) {
	return func(_ context.Context, c *call[ID]) (string, error) {
		if len(c.args) == 0 {
			return "", fmt.Errorf("%w: a subscription URL or title is required", subscription.ErrInvalidArgument)
		}
		i, err := c.find(c.args[0])
		if err != nil {
			return "", err
		}
		kws := subscription.ParseKeywords(strings.Join(c.args[1:], ","))
		s := &c.sub.Subscriptions[i]
		label := "Included"
		if include {
			s.IncludeKeywords = kws
		} else {
			s.ExcludeKeywords = kws
			label = "Excluded"
		}
		if len(kws) == 0 {
			return fmt.Sprintf("%s keywords for %q cleared.", label, s.Title), nil
		}
		return fmt.Sprintf("%s keywords for %q: %s", label, s.Title, strings.Join(kws, ", ")), nil
	}
}

func cmdRename[ID comparable](_ context.Context, c *call[ID]) (string, error) {
	if len(c.args) < 2 {
		return "", fmt.Errorf("%w: both the subscription and a new title are required", subscription.ErrInvalidArgument)
	}
	i, err := c.find(c.args[0])
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(strings.Join(c.args[1:], " "))
	if title == "" {
		return "", fmt.Errorf("%w: title must not be empty", subscription.ErrInvalidArgument)
	}
	s := &c.sub.Subscriptions[i]
	if !strings.EqualFold(s.Title, title) && c.sub.HasTitle(title) {
		return "", fmt.Errorf("%w: the title %q is already taken", subscription.ErrInvalidArgument, title)
	}
	old := s.Title
	s.Title = title
	return fmt.Sprintf("Renamed %q to %q.", old, title), nil
}
