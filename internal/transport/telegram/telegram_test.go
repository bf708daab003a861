package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

func TestSplitTextShortUnchanged(t *testing.T) {
	got := splitText("hello", 10, transport.ParsePlain)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, transport.ParsePlain)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextKeepsEscapeWithEscapedRune(t *testing.T) {
	// Cut point lands right after the backslash.
	s := strings.Repeat("a", 9) + `\.` + strings.Repeat("c", 5)
	got := splitText(s, 10, transport.ParseMarkdownV2)
	if len(got) < 2 {
		t.Fatalf("expected split, got %q", got)
	}
	for _, c := range got {
		if strings.HasSuffix(c, `\`) {
			t.Fatalf("chunk ends with dangling escape: %q", c)
		}
	}
	if strings.Join(got, "") != s {
		t.Fatalf("content lost: %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	s := strings.Repeat("é", captionLimit+5)
	got := truncRunes(s, captionLimit)
	if n := utf8.RuneCountInString(got); n != captionLimit {
		t.Fatalf("rune count = %d", n)
	}
	if truncRunes("short", captionLimit) != "short" {
		t.Fatalf("short caption modified")
	}
}

func TestIsAuthError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{tele.ErrUnauthorized, true},
		{&tele.Error{Code: 404, Description: "Not Found"}, true},
		{&tele.Error{Code: 500, Description: "Internal"}, false},
		{errors.New("dial tcp: timeout"), false},
	}
	for _, tc := range cases {
		if got := isAuthError(tc.err); got != tc.want {
			t.Fatalf("isAuthError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCallWrapsDeliveryErrors(t *testing.T) {
	err := call(context.Background(), func() error { return errors.New("Bad Request: can't parse entities") })
	if !errors.Is(err, transport.ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if err := call(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("nil call: %v", err)
	}
}

func TestCallHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := call(ctx, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(context.Background(), Config{Token: "  "}, logx.Logger{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
