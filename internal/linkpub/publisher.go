// Package linkpub keeps the external cache's set of active member-page
// links in step with which accounts are running and actually positioned
// on their page. The cache is advisory, so the loop favours few writes:
// it publishes only when the computed set differs from what was last
// published, on an interval that adapts to recent churn.
package linkpub

import (
	"context"
	"log"
	"sync"
	"time"

	"bandmonitor/internal/cache"
	"bandmonitor/internal/models"
	"bandmonitor/internal/probe"
)

const positionTimeout = 5 * time.Second

// AccountSource lists the accounts whose persisted status is running.
type AccountSource interface {
	RunningAccounts() ([]models.Account, error)
}

// PositionChecker confirms whether an account's session is on its
// member page.
type PositionChecker interface {
	CheckPosition(ctx context.Context, accountID int64) (probe.Position, error)
}

// Publisher periodically recomputes the active-link set and pushes it
// to the external cache on change.
type Publisher struct {
	source  AccountSource
	checker PositionChecker
	store   cache.SetStore
	pace    pacer

	mu            sync.Mutex
	lastPublished map[string]struct{}

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a publisher with the given base and minimum intervals.
func New(source AccountSource, checker PositionChecker, store cache.SetStore, base, min time.Duration) *Publisher {
	return &Publisher{
		source:  source,
		checker: checker,
		store:   store,
		pace:    newPacer(base, min),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the publish loop in a goroutine.
func (p *Publisher) Start() {
	go p.run()
}

// Stop requests loop termination and waits until it is done.
func (p *Publisher) Stop() {
	select {
	case <-p.doneCh:
		return
	default:
	}
	close(p.stopCh)
	<-p.doneCh
}

// Trigger requests an immediate cycle, coalescing with any pending one.
// Lifecycle changes call this so the cache reflects a start or close
// without waiting out the current interval.
func (p *Publisher) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// ForcePublish runs one cycle that writes the set even when unchanged.
func (p *Publisher) ForcePublish(ctx context.Context) error {
	_, err := p.publishOnce(ctx, true)
	return err
}

func (p *Publisher) run() {
	defer close(p.doneCh)

	for {
		published, err := p.publishOnce(context.Background(), false)
		if err != nil {
			// The cache layer already retried once; give up on this
			// cycle and try again on the next tick.
			log.Printf("link publish failed: %v", err)
		}
		wait := p.pace.observe(published)

		select {
		case <-p.stopCh:
			return
		case <-p.kick:
		case <-time.After(wait):
		}
	}
}

// publishOnce computes the active set and writes it if it differs from
// the last published set (or force is set). It reports whether a write
// happened.
func (p *Publisher) publishOnce(ctx context.Context, force bool) (bool, error) {
	current, err := p.activeLinks(ctx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A nil lastPublished means nothing was published yet this process;
	// the first cycle always writes so stale links from a previous run
	// are cleared from the cache.
	if !force && p.lastPublished != nil && setsEqual(current, p.lastPublished) {
		return false, nil
	}

	members := make([]string, 0, len(current))
	for link := range current {
		members = append(members, link)
	}
	if err := p.store.ReplaceSet(ctx, members); err != nil {
		// lastPublished stays as is: the diff against it will retrigger
		// this write next cycle.
		return false, err
	}

	p.lastPublished = current
	log.Printf("published %d active link(s)", len(members))
	return true, nil
}

// activeLinks returns the member-page URLs of running accounts whose
// session is confirmed to be on the page. The publisher tolerates an
// eventually consistent view; a check that fails simply leaves that
// account out until the next cycle.
func (p *Publisher) activeLinks(ctx context.Context) (map[string]struct{}, error) {
	accounts, err := p.source.RunningAccounts()
	if err != nil {
		return nil, err
	}

	links := make(map[string]struct{})
	for _, acc := range accounts {
		url := acc.MemberURL()
		if url == "" {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, positionTimeout)
		pos, err := p.checker.CheckPosition(checkCtx, acc.ID)
		cancel()
		if err != nil || !pos.OnMemberPage {
			continue
		}
		links[url] = struct{}{}
	}
	return links, nil
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
