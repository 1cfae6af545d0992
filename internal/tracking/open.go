package tracking

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Backend kinds accepted by Open.
const (
	KindMLflow   = "mlflow"
	KindFile     = "file"
	KindPostgres = "postgres"
	KindMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Kind        string
	URI         string
	Dir         string
	DSN         string
	PingTimeout time.Duration
	HTTPClient  *http.Client
}

// Open builds the backend described by opts.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case "", KindMLflow:
		uri := opts.URI
		if uri == "" {
			uri = DefaultMLflowURI
		}
		return NewMLflowBackend(uri, opts.HTTPClient), nil
	case KindFile:
		dir := opts.Dir
		if dir == "" {
			dir = "mlruns"
		}
		return NewFileBackend(dir)
	case KindPostgres:
		timeout := opts.PingTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		return OpenPostgres(ctx, opts.DSN, timeout)
	case KindMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown tracking backend %q", opts.Kind)
	}
}
