package app

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	xoauth2 "golang.org/x/oauth2"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/config"
	"taxfiler/internal/oauth2"
)

// ConsoleFlow runs the authorization code grant from a terminal. It prints
// the consent URL and reads back either the bare code or the full redirect
// URL the browser landed on.
type ConsoleFlow struct {
	config *xoauth2.Config
	client *http.Client
	out    io.Writer
	in     io.Reader
	now    func() time.Time

	readOnce sync.Once
	lines    chan string

	mu      sync.Mutex
	authURL string
}

// NewConsoleFlow builds a flow from the OAuth settings in cfg
func NewConsoleFlow(cfg *config.Config, client *http.Client, in io.Reader, out io.Writer) *ConsoleFlow {
	return &ConsoleFlow{
		config: &xoauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			Endpoint: xoauth2.Endpoint{
				AuthURL:   cfg.OAuthAuthURL,
				TokenURL:  cfg.OAuthTokenURL,
				AuthStyle: xoauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL(),
			Scopes:      cfg.Scopes(),
		},
		client: client,
		in:     in,
		out:    out,
		now:    time.Now,
	}
}

// Authorize prints the consent URL and blocks until a code is entered and
// exchanged, input ends, or ctx is done.
func (f *ConsoleFlow) Authorize(ctx context.Context) (*oauth2.TokenSet, error) {
	state := uuid.NewString()
	authURL := f.config.AuthCodeURL(state, xoauth2.AccessTypeOffline)

	f.mu.Lock()
	f.authURL = authURL
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.authURL = ""
		f.mu.Unlock()
	}()

	f.printPrompt(authURL)
	lines := f.input()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.KindCancelled, "authorization abandoned", ctx.Err())
		case line, ok := <-lines:
			if !ok {
				return nil, errors.New(errors.KindAuthFailed, "input closed before an authorization code was entered")
			}
			code, err := parseCode(line, state)
			if err != nil {
				return nil, err
			}
			if code == "" {
				fmt.Fprint(f.out, "Paste the code or redirect URL: ")
				continue
			}
			return f.exchange(ctx, code)
		}
	}
}

// Cancel tells the user the prompt is no longer wanted. Authorize itself is
// stopped through its context.
func (f *ConsoleFlow) Cancel() {
	fmt.Fprintln(f.out, "\nAuthorization cancelled.")
}

// ReopenPrompt prints the consent URL of the flow in progress again
func (f *ConsoleFlow) ReopenPrompt() error {
	f.mu.Lock()
	authURL := f.authURL
	f.mu.Unlock()

	if authURL == "" {
		return errors.New(errors.KindInvalidState, "no authorization is waiting for input")
	}
	f.printPrompt(authURL)
	return nil
}

func (f *ConsoleFlow) printPrompt(authURL string) {
	fmt.Fprintf(f.out, "\nOpen this URL in your browser and grant access:\n\n  %s\n\n", authURL)
	fmt.Fprint(f.out, "Paste the code or redirect URL: ")
}

// input starts the single reader of f.in. Lines are shared across flows so
// a second connect in the same process does not race a stale reader.
func (f *ConsoleFlow) input() <-chan string {
	f.readOnce.Do(func() {
		f.lines = make(chan string)
		go func() {
			defer close(f.lines)
			scanner := bufio.NewScanner(f.in)
			for scanner.Scan() {
				f.lines <- scanner.Text()
			}
		}()
	})
	return f.lines
}

func (f *ConsoleFlow) exchange(ctx context.Context, code string) (*oauth2.TokenSet, error) {
	if f.client != nil {
		ctx = context.WithValue(ctx, xoauth2.HTTPClient, f.client)
	}

	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		var rerr *xoauth2.RetrieveError
		if stderrors.As(err, &rerr) {
			appErr := errors.Wrap(errors.KindAuthFailed, "the authority refused the authorization code", err)
			if rerr.ErrorCode != "" {
				appErr = appErr.WithCode(rerr.ErrorCode)
			}
			return nil, appErr
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindCancelled, "authorization abandoned", ctx.Err())
		}
		return nil, errors.ConnectionError("token exchange failed", err)
	}

	return toTokenSet(tok, f.now()), nil
}

func toTokenSet(tok *xoauth2.Token, now time.Time) *oauth2.TokenSet {
	expiresIn := tok.ExpiresIn
	if expiresIn == 0 && !tok.Expiry.IsZero() {
		expiresIn = int64(tok.Expiry.Sub(now).Seconds())
	}
	scope, _ := tok.Extra("scope").(string)

	return &oauth2.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
		IssuedAt:     now.UTC(),
		TokenType:    tok.TokenType,
		Scope:        scope,
	}
}

// parseCode accepts a bare code or a redirect URL. An empty line yields an
// empty code and no error.
func parseCode(line, state string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
		return line, nil
	}

	u, err := url.Parse(line)
	if err != nil {
		return "", errors.Wrap(errors.KindAuthFailed, "could not read the redirect URL", err)
	}
	q := u.Query()
	if denied := q.Get("error"); denied != "" {
		return "", errors.Newf(errors.KindAuthFailed, "authorization was not granted: %s", denied).WithCode(denied)
	}
	if q.Get("state") != state {
		return "", errors.New(errors.KindAuthFailed, "redirect URL does not belong to this authorization")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New(errors.KindAuthFailed, "redirect URL carries no authorization code")
	}
	return code, nil
}
