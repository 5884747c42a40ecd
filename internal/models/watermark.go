package models

import (
	"errors"
	"time"
)

// Watermark is the last-sync token handed to clients. It is opaque on the
// wire but internally it is a server timestamp: everything stamped at or
// before it has been seen by the client.
type Watermark struct {
	t time.Time
}

var ErrMalformedWatermark = errors.New("malformed sync token")

func NewWatermark(t time.Time) Watermark {
	return Watermark{t: t.UTC()}
}

// ParseWatermark decodes a client-supplied sync token. Tokens are always
// produced by String, so anything that does not round-trip is rejected.
func ParseWatermark(token string) (Watermark, error) {
	if token == "" {
		return Watermark{}, ErrMalformedWatermark
	}
	t, err := time.Parse(time.RFC3339Nano, token)
	if err != nil {
		return Watermark{}, ErrMalformedWatermark
	}
	return Watermark{t: t.UTC()}, nil
}

func (w Watermark) String() string {
	return w.t.UTC().Format(time.RFC3339Nano)
}

func (w Watermark) Time() time.Time {
	return w.t
}

func (w Watermark) IsZero() bool {
	return w.t.IsZero()
}

// Before reports whether w precedes other.
func (w Watermark) Before(other Watermark) bool {
	return w.t.Before(other.t)
}
