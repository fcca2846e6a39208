// Package paginator flattens the CRM's page=N protocol into a single lazy
// sequence of records.
//
// Every list endpoint answers with
//
//	{"data": [...], "pagination": {"urls": {"next": "<url>" | null}}}
//
// and the paginator keeps requesting page N+1 until next is null.
package paginator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
)

// ErrTooManyPages is yielded when a traversal exceeds the configured page limit.
var ErrTooManyPages = errors.New("paginator: page limit exceeded")

// Requester performs one CRM round-trip.
type Requester interface {
	Request(ctx context.Context, method, path string, payload any) ([]byte, error)
}

// Paginator streams records across pages.
type Paginator struct {
	client   Requester
	maxPages int
}

// Option configures the Paginator.
type Option func(*Paginator)

// WithMaxPages bounds a single traversal. Zero means unbounded.
func WithMaxPages(n int) Option {
	return func(p *Paginator) {
		p.maxPages = n
	}
}

func New(client Requester, opts ...Option) *Paginator {
	p := &Paginator{client: client}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type page struct {
	Data       []json.RawMessage `json:"data"`
	Pagination struct {
		URLs struct {
			Next *string `json:"next"`
		} `json:"urls"`
	} `json:"pagination"`
}

// Get streams every record of a GET list endpoint.
func (p *Paginator) Get(ctx context.Context, path string) iter.Seq2[json.RawMessage, error] {
	return p.stream(ctx, http.MethodGet, path, nil)
}

// Post streams every record of a POST search endpoint; payload is resent with
// each page request.
func (p *Paginator) Post(ctx context.Context, path string, payload any) iter.Seq2[json.RawMessage, error] {
	return p.stream(ctx, http.MethodPost, path, payload)
}

// stream fetches one page per round-trip and yields its records before asking
// for the next. A failed request or undecodable page is yielded once as an
// error and ends the sequence. Ranging again starts over from page 1.
func (p *Paginator) stream(ctx context.Context, method, path string, payload any) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for n := 1; ; n++ {
			if p.maxPages > 0 && n > p.maxPages {
				yield(nil, fmt.Errorf("%w: %s %s", ErrTooManyPages, method, path))
				return
			}

			pagePath, err := WithPage(path, n)
			if err != nil {
				yield(nil, err)
				return
			}

			body, err := p.client.Request(ctx, method, pagePath, payload)
			if err != nil {
				yield(nil, err)
				return
			}

			var pg page
			if err := json.Unmarshal(body, &pg); err != nil {
				yield(nil, &DecodeError{Path: pagePath, Err: err})
				return
			}

			for _, record := range pg.Data {
				if !yield(record, nil) {
					return
				}
			}

			if pg.Pagination.URLs.Next == nil {
				return
			}
		}
	}
}

// WithPage sets page=n in the path's query string, keeping any parameters
// already present.
func WithPage(path string, n int) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeError reports a response or record the paginator could not decode.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode adapts a raw record sequence into typed records. A record that fails
// to decode ends the sequence with a *DecodeError.
func Decode[T any](seq iter.Seq2[json.RawMessage, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for raw, err := range seq {
			if err != nil {
				yield(zero, err)
				return
			}
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				yield(zero, &DecodeError{Path: fmt.Sprintf("record %T", v), Err: err})
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
