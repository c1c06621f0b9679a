package meetspot

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Client is the application root: one token store, one executor, one session
// manager, and the pollers started through it.
type Client struct {
	cfg     *Config
	log     eventLogger
	db      *sql.DB
	tokens  *TokenStore
	exec    *Executor
	session *SessionManager
	sched   scheduler

	mu      sync.Mutex
	pollers map[*Poller]struct{}
	closed  bool
}

type clientOptions struct {
	transport transport
	sched     scheduler
	durable   storageScope
	ephemeral storageScope
	observers []SessionObserver
}

type Option func(*clientOptions)

// WithObserver subscribes o to session loss events for the client's lifetime.
func WithObserver(o SessionObserver) Option {
	return func(opts *clientOptions) {
		if o != nil {
			opts.observers = append(opts.observers, o)
		}
	}
}

func withTransport(t transport) Option {
	return func(opts *clientOptions) { opts.transport = t }
}

func withScheduler(s scheduler) Option {
	return func(opts *clientOptions) { opts.sched = s }
}

func withScopes(durable, ephemeral storageScope) Option {
	return func(opts *clientOptions) {
		opts.durable = durable
		opts.ephemeral = ephemeral
	}
}

// NewClient wires the core. An unusable durable store is not fatal: the
// durable scope then lives in memory for this process.
func NewClient(cfg *Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := newEventLogger(logger)
	c := &Client{
		cfg:     cfg,
		log:     log,
		sched:   o.sched,
		pollers: make(map[*Poller]struct{}),
	}

	durable := o.durable
	if durable == nil {
		if path := strings.TrimSpace(cfg.Storage.DurablePath); path == "" {
			durable = newMemoryScope()
		} else if db, err := openSQLite(path); err != nil {
			log.warn("storage.durable.unavailable", "path", path, "error", err)
		} else {
			c.db = db
			durable = newSQLiteScope(db)
		}
	}

	c.tokens = newTokenStore(durable, o.ephemeral, log)
	c.exec = newExecutor(o.transport, c.tokens, cfg.API, log)
	c.session = newSessionManager(c.exec, c.tokens, cfg.API, log, o.observers...)

	log.info("client.ready", "base_url", cfg.API.BaseURL, "durable_path", cfg.Storage.DurablePath)
	return c, nil
}

func (c *Client) Session() *SessionManager { return c.session }

// Call performs an authenticated JSON call against the backend and decodes a
// success body into out. An expired token is retried once when the session
// manager managed to refresh it.
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	target := joinURL(c.cfg.API.BaseURL, path)
	token := c.tokens.Read().AccessToken

	outcome, err := c.exec.Execute(ctx, Request{Method: method, URL: target, Body: body, RequiresAuth: true, Token: token})
	if err != nil {
		return err
	}
	if outcome.Kind == OutcomeAuthExpired {
		if fresh := c.tokens.Read().AccessToken; fresh != "" && fresh != token {
			c.log.debug("api.retry_after_refresh", "method", method, "path", path)
			outcome, err = c.exec.Execute(ctx, Request{Method: method, URL: target, Body: body, RequiresAuth: true, Token: fresh})
			if err != nil {
				return err
			}
		}
	}
	return outcome.Decode(out)
}

// Watch starts polling the status of one meeting computation.
func (c *Client) Watch(resourceID string) (*Poller, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, invalidInput(errors.New("resource id is required"))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	escaped := url.PathEscape(resourceID)
	p := newPoller(
		resourceID,
		joinURL(c.cfg.API.BaseURL, fmt.Sprintf(c.cfg.API.Paths.Status, escaped)),
		joinURL(c.cfg.API.BaseURL, fmt.Sprintf(c.cfg.API.Paths.Results, escaped)),
		c.exec,
		c.sched,
		c.log,
	)
	c.pollers[p] = struct{}{}
	c.mu.Unlock()

	p.Start()
	return p, nil
}

// Unwatch cancels a poller started by Watch.
func (c *Client) Unwatch(p *Poller) {
	if p == nil {
		return
	}
	c.mu.Lock()
	delete(c.pollers, p)
	c.mu.Unlock()
	p.Cancel()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pollers := make([]*Poller, 0, len(c.pollers))
	for p := range c.pollers {
		pollers = append(pollers, p)
	}
	c.pollers = nil
	c.mu.Unlock()

	for _, p := range pollers {
		p.Cancel()
	}
	// Calls already under way still read the token store.
	for _, p := range pollers {
		p.wait()
	}
	c.session.close()

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return errors.Wrap(err, "close durable store")
		}
	}
	c.log.info("client.closed")
	return nil
}
