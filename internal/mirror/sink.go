// Package mirror forwards audit lines to a remote collector and implements
// the collector itself.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/ppiankov/rootwatch/internal/audit"
)

// SourceHeader carries the sender name over HTTP; sourceKey is its gRPC
// metadata equivalent.
const (
	SourceHeader  = "X-Rootwatch-Source"
	sourceKey     = "rootwatch-source"
	defaultSource = "default"
)

var validSource = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Sink delivers one audit line to a remote collector.
type Sink interface {
	Send(ctx context.Context, rec audit.Record, line []byte) error
	Close() error
}

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// SinkConfig selects and configures a sink.
type SinkConfig struct {
	Endpoint string
	Source   string
	Headers  map[string]string
	Timeout  time.Duration
}

// NewSink picks a sink by endpoint scheme: http and https post to a webhook,
// grpc and grpcs call the AuditMirror service.
func NewSink(cfg SinkConfig) (Sink, error) {
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	if !validSource.MatchString(cfg.Source) {
		return nil, fmt.Errorf("mirror: invalid source name %q", cfg.Source)
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("mirror: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewWebhookSink(cfg), nil
	case "grpc", "grpcs":
		if u.Host == "" {
			return nil, fmt.Errorf("mirror: endpoint %q has no host", cfg.Endpoint)
		}
		return NewGRPCSink(u.Host, cfg.Source, u.Scheme == "grpcs")
	default:
		return nil, fmt.Errorf("mirror: unsupported endpoint scheme %q", u.Scheme)
	}
}
