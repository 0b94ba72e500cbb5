package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tasteknowledge/offline-cache/cache"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidState   = errors.New("invalid lifecycle state")
	ErrUnknownMessage = errors.New("unknown message type")

	errBodyAborted = errors.New("origin response aborted")
)

// maximum number of concurrent fetches while seeding the shell store
const installConcurrency = 4

// State is the lifecycle state of a cache manager.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MessageSkipWaiting asks an installed manager to activate right away.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a control message sent by a page.
type Message struct {
	Type string `json:"type"`
}

// State returns the current lifecycle state.
func (a *Manager) State() State {
	return State(a.state.Load())
}

// Controlling reports whether requests are routed through the cache policies.
func (a *Manager) Controlling() bool {
	return a.controlling.Load()
}

// Install seeds the shell store with the shell manifest.
// Either every manifest URL is fetched successfully and stored, or nothing is stored:
// the manager then becomes redundant and the error is returned.
// Unless the manager waits for a skip message, a successful install activates it immediately.
func (a *Manager) Install(ctx context.Context) error {
	a.lifecycle.Lock()
	if a.State() != StateParsed {
		a.lifecycle.Unlock()
		return fmt.Errorf("install in state %s: %w", a.State(), ErrInvalidState)
	}
	a.setState(StateInstalling)
	a.lifecycle.Unlock()

	if err := a.seedShell(ctx); err != nil {
		a.lifecycle.Lock()
		a.setState(StateRedundant)
		a.lifecycle.Unlock()
		return fmt.Errorf("install %s: %w", a.shellStore, err)
	}

	a.lifecycle.Lock()
	a.setState(StateInstalled)
	skip := !a.waitForSkip || a.skipRequested
	a.lifecycle.Unlock()

	a.log.Info().Str("store", a.shellStore).Int("entries", len(a.shellManifest)).Msg("App shell ready for offline")
	if skip {
		return a.skipWaiting(ctx)
	}
	return nil
}

func (a *Manager) seedShell(ctx context.Context) error {
	if err := a.storage.Open(ctx, a.shellStore); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	entries := make([]cache.Entry, len(a.shellManifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, uri := range a.shellManifest {
		g.Go(func() error {
			entry, err := a.fetchManifestEntry(gctx, uri)
			if err != nil {
				return fmt.Errorf("%s: %w", uri, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.storage.PutAll(ctx, a.shellStore, entries); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	a.metrics.seeded.Add(ctx, int64(len(entries)))
	return nil
}

func (a *Manager) fetchManifestEntry(ctx context.Context, uri string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return cache.Entry{}, err
	}
	rw, err := a.fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	if code := rw.StatusCode(); code < 200 || code > 299 {
		return cache.Entry{}, fmt.Errorf("unexpected status %d", code)
	}
	a.log.Trace().Str("url", uri).Msg("Fetched manifest entry")
	return cache.Entry{
		Key:      a.keyer.KeyForURI(req.URL.RequestURI()),
		StoredAt: time.Now(),
		Bytes:    rw.Response(),
	}, nil
}

// Activate deletes every store that is neither the current shell store nor the current data store,
// then takes control of all requests.
func (a *Manager) Activate(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.State() != StateInstalled {
		return fmt.Errorf("activate in state %s: %w", a.State(), ErrInvalidState)
	}
	a.setState(StateActivating)

	deleted, err := cache.PurgeExcept(ctx, a.storage, a.shellStore, a.dataStore)
	// stores deleted before an error stay deleted
	for _, name := range deleted {
		a.log.Info().Str("store", name).Msg("Old store removed")
	}
	a.metrics.purged.Add(ctx, int64(len(deleted)))
	if err != nil {
		a.setState(StateInstalled)
		return fmt.Errorf("activate: %w", err)
	}

	a.setState(StateActivated)
	// take control
	a.controlling.Store(true)
	a.log.Info().Str("shell", a.shellStore).Str("data", a.dataStore).Msg("Cache manager active")
	return nil
}

// Message handles a control message.
// SKIP_WAITING activates an installed manager. Sent during install, it activates the manager
// as soon as the install completes; sent to an active manager, it does nothing.
func (a *Manager) Message(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		return fmt.Errorf("%q: %w", msg.Type, ErrUnknownMessage)
	}
	a.lifecycle.Lock()
	state := a.State()
	a.skipRequested = true
	a.lifecycle.Unlock()

	switch state {
	case StateInstalled:
		return a.skipWaiting(ctx)
	case StateRedundant:
		return fmt.Errorf("skip waiting in state %s: %w", state, ErrInvalidState)
	}
	a.log.Debug().Str("state", state.String()).Msg("Skip waiting noted")
	return nil
}

// skipWaiting activates the manager, unless something else just did.
func (a *Manager) skipWaiting(ctx context.Context) error {
	err := a.Activate(ctx)
	if errors.Is(err, ErrInvalidState) && a.State() == StateActivated {
		return nil
	}
	return err
}

// setState must be called with the lifecycle lock held.
func (a *Manager) setState(s State) {
	a.log.Trace().Str("from", a.State().String()).Str("to", s.String()).Msg("Lifecycle transition")
	a.state.Store(int32(s))
}
