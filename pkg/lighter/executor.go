package lighter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/pairvolume/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL      = "https://api.lighter.xyz"
	DefaultPublicPrefix = "/public"

	maxResponseBytes = 2 << 20
)

type Config struct {
	BaseURL           string
	Timeout           time.Duration
	MaxRetries        int
	PublicPrefix      string
	RequestsPerSecond float64
	Burst             int
}

type Credentials struct {
	Name          string
	APIKey        string
	SecretKey     string
	AuthType      AuthType
	KeyName       string
	PrivateKeyPEM string
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type accountContext struct {
	name       string
	apiKey     string
	auth       Authenticator
	httpClient HTTPDoer
	transport  *http.Transport
	limiter    *rate.Limiter
}

// Executor issues HTTP calls on behalf of one of the two accounts. Every
// account has its own connection pool, limiter and credentials; the account
// index is the only thing that selects between them.
type Executor struct {
	baseURL      string
	publicPrefix string
	maxRetries   int
	backoffUnit  time.Duration
	accounts     [2]*accountContext
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *logrus.Logger
}

func NewExecutor(cfg Config, creds [2]Credentials, logger *logrus.Logger) (*Executor, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http") {
		return nil, fmt.Errorf("base url must be http(s), got %q", cfg.BaseURL)
	}
	publicPrefix := cfg.PublicPrefix
	if publicPrefix == "" {
		publicPrefix = DefaultPublicPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	e := &Executor{
		baseURL:      baseURL,
		publicPrefix: publicPrefix,
		maxRetries:   cfg.MaxRetries,
		backoffUnit:  time.Second,
		sleep:        sleepContext,
		logger:       logger,
	}

	for i, c := range creds {
		auth, err := NewAuthenticator(c)
		if err != nil {
			return nil, fmt.Errorf("account %d (%s): %w", i, c.Name, err)
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		limit := rate.Inf
		if cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(cfg.RequestsPerSecond)
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}

		e.accounts[i] = &accountContext{
			name:       c.Name,
			apiKey:     c.APIKey,
			auth:       auth,
			httpClient: &http.Client{Timeout: timeout, Transport: transport},
			transport:  transport,
			limiter:    rate.NewLimiter(limit, burst),
		}
	}

	return e, nil
}

// AccountName returns the configured display name of an account.
func (e *Executor) AccountName(account int) string {
	if account < 0 || account >= len(e.accounts) {
		return ""
	}
	return e.accounts[account].name
}

// Close releases the idle connections held by both accounts.
func (e *Executor) Close() {
	for _, acct := range e.accounts {
		if acct != nil && acct.transport != nil {
			acct.transport.CloseIdleConnections()
		}
	}
}

func (e *Executor) isPublic(path string) bool {
	return strings.HasPrefix(path, e.publicPrefix)
}

// Execute sends method+path for the given account and decodes the JSON
// response into out (when out is non-nil). Transport failures are retried up to
// the configured budget with exponential backoff; non-2xx responses are
// returned as *APIError without retrying.
func (e *Executor) Execute(ctx context.Context, account int, method, path string, body any, query url.Values, out any) error {
	if account < 0 || account >= len(e.accounts) {
		return fmt.Errorf("invalid account index %d", account)
	}
	acct := e.accounts[account]

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	attempts := e.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	log := e.logger.WithFields(logrus.Fields{
		"account": account,
		"method":  method,
		"path":    path,
	})

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		respBody, status, err := e.do(ctx, acct, method, path, payload, query)
		if err == nil {
			if status < 200 || status >= 300 {
				metrics.APIErrorsTotal.WithLabelValues(metrics.AccountLabel(account), strconv.Itoa(status)).Inc()
				log.WithField("status", status).Error("API error")
				return &APIError{Account: account, Method: method, Path: path, Status: status, Body: strings.TrimSpace(string(respBody))}
			}
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(respBody)))
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("Request failed")
		if attempt == attempts-1 {
			break
		}

		metrics.RequestRetriesTotal.WithLabelValues(metrics.AccountLabel(account)).Inc()
		if err := e.sleep(ctx, e.backoffUnit*time.Duration(1<<uint(attempt))); err != nil {
			return err
		}
	}

	return &TransportError{Account: account, Method: method, Path: path, Attempts: attempts, Err: lastErr}
}

func (e *Executor) do(ctx context.Context, acct *accountContext, method, path string, payload []byte, query url.Values) ([]byte, int, error) {
	if err := acct.limiter.Wait(ctx); err != nil {
		return nil, 0, &permanentError{err: fmt.Errorf("rate limiter: %w", err)}
	}

	u := e.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, &permanentError{err: err}
	}

	req.Header.Set(HeaderAPIKey, acct.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if !e.isPublic(path) {
		if err := acct.auth.AddAuthHeaders(req.Header, method, path); err != nil {
			return nil, 0, &permanentError{err: err}
		}
	}

	resp, err := acct.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	return b, resp.StatusCode, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
