package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

var (
	// ErrNoBackendConfigured indicates that no backend target is currently selected.
	ErrNoBackendConfigured = errors.New("telemetry: no backend configured")
	// ErrBackendSecretMissing indicates that the current backend has no secret recorded.
	ErrBackendSecretMissing = errors.New("telemetry: backend secret missing")
)

const tokenParam = "token"

// Backend is the proxy daemon control endpoint plus its bearer secret.
type Backend struct {
	URL    string
	Secret string
}

// BackendSource yields the currently selected backend. Implementations return
// (nil, nil) when nothing is selected. The result must never be cached by the
// caller across connect attempts.
type BackendSource interface {
	CurrentBackend(ctx context.Context) (*Backend, error)
}

// BackendSourceFunc adapts a plain function to BackendSource.
type BackendSourceFunc func(ctx context.Context) (*Backend, error)

// CurrentBackend implements BackendSource.
func (f BackendSourceFunc) CurrentBackend(ctx context.Context) (*Backend, error) {
	return f(ctx)
}

// Endpoint identifies one telemetry channel on the backend.
type Endpoint struct {
	Path   string
	Params map[string]string
}

// WithParam returns a copy of the endpoint with key set to value.
func (e Endpoint) WithParam(key, value string) Endpoint {
	params := make(map[string]string, len(e.Params)+1)
	for k, v := range e.Params {
		params[k] = v
	}
	params[key] = value
	return Endpoint{Path: e.Path, Params: params}
}

// Resolver turns channel endpoints into socket URLs for the current backend.
type Resolver struct {
	source BackendSource
}

// NewResolver builds a resolver reading from source on every call.
func NewResolver(source BackendSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve builds the ws:// or wss:// URL for path with params and the backend
// token appended as query parameters.
func (r *Resolver) Resolve(ctx context.Context, path string, params map[string]string) (string, error) {
	target, err := r.Target(ctx)
	if err != nil {
		return "", err
	}
	return buildSocketURL(target.URL, target.Secret, path, params)
}

// Target returns the current backend after validating it.
func (r *Resolver) Target(ctx context.Context) (*Backend, error) {
	if r == nil || r.source == nil {
		return nil, ErrNoBackendConfigured
	}
	target, err := r.source.CurrentBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: read current backend: %w", err)
	}
	if target == nil || strings.TrimSpace(target.URL) == "" {
		return nil, ErrNoBackendConfigured
	}
	if strings.TrimSpace(target.Secret) == "" {
		return nil, ErrBackendSecretMissing
	}
	return target, nil
}

func buildSocketURL(base, secret, path string, params map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("telemetry: parse backend url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("telemetry: backend url %q missing host", base)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("telemetry: unsupported backend scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	u.Fragment = ""

	query := u.Query()
	for key, value := range params {
		query.Set(key, value)
	}
	query.Set(tokenParam, secret)
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// EnvSource reads the backend from PROXYSCOPE_BACKEND_URL and
// PROXYSCOPE_BACKEND_SECRET. It reports no backend when the URL is unset.
type EnvSource struct{}

// CurrentBackend implements BackendSource.
func (EnvSource) CurrentBackend(context.Context) (*Backend, error) {
	base := strings.TrimSpace(os.Getenv("PROXYSCOPE_BACKEND_URL"))
	if base == "" {
		return nil, nil
	}
	return &Backend{
		URL:    base,
		Secret: strings.TrimSpace(os.Getenv("PROXYSCOPE_BACKEND_SECRET")),
	}, nil
}

// FirstSource returns the first backend reported by sources, in order.
func FirstSource(sources ...BackendSource) BackendSource {
	return BackendSourceFunc(func(ctx context.Context) (*Backend, error) {
		for _, src := range sources {
			if src == nil {
				continue
			}
			target, err := src.CurrentBackend(ctx)
			if err != nil {
				return nil, err
			}
			if target != nil {
				return target, nil
			}
		}
		return nil, nil
	})
}
