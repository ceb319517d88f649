package probe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"bandmonitor/internal/config"
	"bandmonitor/internal/models"
)

const (
	loginURL        = "https://auth.band.us/email_login?keep_login=true"
	memberURLFormat = "https://band.us/band/%s/member"

	navigateTimeout = 15 * time.Second
	readTimeout     = 5 * time.Second
	checkTimeout    = 3 * time.Second
	loginTimeout    = 90 * time.Second
)

var bandIDPattern = regexp.MustCompile(`band\.us/band/(\d+)`)

// pageCounts mirrors the object built by countsJS.
type pageCounts struct {
	Members  int    `json:"members"`
	Requests int    `json:"requests"`
	BandName string `json:"bandName"`
}

// countsJS scrapes the member count, the pending-request count and the
// band name off the member page in one round trip. Missing elements
// report -1 so the caller can tell "absent" from "zero".
const countsJS = `(() => {
	const out = {members: -1, requests: -1, bandName: ""};
	const m = document.querySelector('em.count.sf_color._memberCount');
	if (m) {
		const v = parseInt(m.textContent.trim(), 10);
		if (!isNaN(v)) out.members = v;
	}
	const n = document.querySelector('h1.bandName a.uriText');
	if (n) out.bandName = n.textContent.trim();
	const j = document.querySelector('a.joinStatus');
	if (j) {
		const match = j.textContent.trim().match(/(\d+)\s*$/);
		if (match) out.requests = parseInt(match[1], 10);
	}
	return out;
})()`

// memberContentJS reports whether member-list content is present, which
// distinguishes a real member page from a login redirect.
const memberContentJS = `document.querySelector('.bandMemberList, .member-list, [class*="member"]') !== null`

type session struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

// Browser implements Probe on chromedp, one Chrome profile per account
// so Band sessions survive process restarts.
type Browser struct {
	cfg config.Browser

	mu       sync.Mutex
	sessions map[int64]*session
}

var _ Probe = (*Browser)(nil)

// NewBrowser prepares the probe and its on-disk directories.
func NewBrowser(cfg config.Browser) (*Browser, error) {
	if err := os.MkdirAll(cfg.UserDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure user data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ScreenshotsDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure screenshots dir: %w", err)
	}
	return &Browser{
		cfg:      cfg,
		sessions: make(map[int64]*session),
	}, nil
}

// getSession returns the account's live session, launching a browser
// with the account's persistent profile on first use.
func (b *Browser) getSession(accountID int64) *session {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sess, ok := b.sessions[accountID]; ok {
		if sess.tabCtx.Err() == nil {
			return sess
		}
		// The old session is dead; release its allocator before the
		// entry is replaced, or the Chrome process leaks.
		sess.tabCancel()
		sess.allocCancel()
	}

	profileDir := filepath.Join(b.cfg.UserDataDir, fmt.Sprintf("account_%d", accountID))
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-features", "TranslateUI"),
		chromedp.WindowSize(1280, 720),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	sess := &session{tabCtx: tabCtx, tabCancel: tabCancel, allocCancel: allocCancel}
	b.sessions[accountID] = sess
	return sess
}

// run executes actions against the account's tab, bounded by the
// shorter of ctx and timeout.
func (b *Browser) run(ctx context.Context, sess *session, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(sess.tabCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// sessionGone reports whether an error means the browser itself is gone
// rather than a slow or broken page. Timeouts are transient.
func sessionGone(sess *session, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return sess.tabCtx.Err() != nil
}

// Snapshot reads the member page counts, optionally reloading first.
func (b *Browser) Snapshot(ctx context.Context, accountID int64, forceRefresh bool) (models.Snapshot, error) {
	sess := b.getSession(accountID)

	if forceRefresh {
		if err := b.run(ctx, sess, navigateTimeout, chromedp.Reload()); err != nil {
			if sessionGone(sess, err) {
				return models.Snapshot{SessionClosed: true}, nil
			}
			log.Printf("account %d: page refresh failed: %v", accountID, err)
		}
	}

	var counts pageCounts
	err := b.run(ctx, sess, readTimeout, chromedp.Evaluate(countsJS, &counts))
	if err != nil {
		if sessionGone(sess, err) {
			return models.Snapshot{SessionClosed: true}, nil
		}
		return models.Snapshot{}, fmt.Errorf("read counts: %w", err)
	}

	snap := models.Snapshot{BandName: counts.BandName}
	if counts.Members >= 0 {
		snap.Members = counts.Members
	} else {
		// No member count on the page means the session drifted off
		// the member page and needs re-navigation.
		snap.NeedsReacquire = true
	}
	if counts.Requests >= 0 {
		snap.Requests = counts.Requests
	}
	return snap, nil
}

// CheckPosition reports the session's current location without navigating.
func (b *Browser) CheckPosition(ctx context.Context, accountID int64) (Position, error) {
	b.mu.Lock()
	sess, ok := b.sessions[accountID]
	b.mu.Unlock()
	if !ok || sess.tabCtx.Err() != nil {
		return Position{}, nil
	}

	var location string
	if err := b.run(ctx, sess, checkTimeout, chromedp.Location(&location)); err != nil {
		return Position{}, nil
	}
	return Position{
		SessionOpen:  true,
		OnMemberPage: strings.Contains(location, "band.us/band/") && strings.Contains(location, "/member"),
		CurrentURL:   location,
	}, nil
}

// EnsurePositioned walks the reuse → direct navigation → full login
// ladder and returns the band id the session is positioned on.
func (b *Browser) EnsurePositioned(ctx context.Context, acc models.Account) (string, error) {
	pos, _ := b.CheckPosition(ctx, acc.ID)
	if pos.OnMemberPage {
		snap, err := b.Snapshot(ctx, acc.ID, false)
		if err == nil && !snap.SessionClosed && !snap.NeedsReacquire {
			if id := extractBandID(pos.CurrentURL); id != "" {
				return id, nil
			}
			return acc.BandID, nil
		}
	}

	if acc.BandID != "" {
		err := b.openMemberPage(ctx, acc.ID, acc.BandID)
		if err == nil {
			return acc.BandID, nil
		}
		log.Printf("account %d: direct member page access failed: %v", acc.ID, err)
	}

	return b.login(ctx, acc)
}

// openMemberPage navigates straight to a known band's member page and
// verifies it actually rendered member content instead of a login
// redirect.
func (b *Browser) openMemberPage(ctx context.Context, accountID int64, bandID string) error {
	sess := b.getSession(accountID)
	memberURL := fmt.Sprintf(memberURLFormat, bandID)

	var location string
	var hasContent bool
	err := b.run(ctx, sess, navigateTimeout,
		chromedp.Navigate(memberURL),
		chromedp.Sleep(3*time.Second),
		chromedp.Location(&location),
		chromedp.Evaluate(memberContentJS, &hasContent),
	)
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", memberURL, err)
	}
	if !strings.Contains(location, "/member") || !strings.Contains(location, bandID) {
		return fmt.Errorf("redirected to %s", location)
	}
	if !hasContent {
		return errors.New("no member content on page")
	}
	return nil
}

// login runs the full email login flow and then resolves the member
// page, either directly by the known band id or by waiting for the
// session to land on one.
func (b *Browser) login(ctx context.Context, acc models.Account) (string, error) {
	sess := b.getSession(acc.ID)

	err := b.run(ctx, sess, loginTimeout,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(`input#input_email`),
		chromedp.SendKeys(`input#input_email`, acc.Username),
		chromedp.Sleep(800*time.Millisecond),
		chromedp.Click(`button[type="submit"]`),
		chromedp.WaitVisible(`input#pw`),
		chromedp.SendKeys(`input#pw`, acc.Password),
		chromedp.Sleep(800*time.Millisecond),
		chromedp.Click(`button[type="submit"]`),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("login flow: %w", err)
	}

	var location string
	if err := b.run(ctx, sess, checkTimeout, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read post-login location: %w", err)
	}
	if strings.Contains(location, "auth.band.us") {
		return "", errors.New("login failed: still on login page")
	}

	if acc.BandID != "" {
		if err := b.openMemberPage(ctx, acc.ID, acc.BandID); err != nil {
			return "", err
		}
		return acc.BandID, nil
	}
	return b.waitForMemberPage(ctx, acc.ID)
}

// waitForMemberPage polls the session's location until the operator has
// steered it onto a band member page, then extracts the band id.
func (b *Browser) waitForMemberPage(ctx context.Context, accountID int64) (string, error) {
	sess := b.getSession(accountID)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for member page: %w", ctx.Err())
		case <-sess.tabCtx.Done():
			return "", errors.New("browser closed while waiting for member page")
		case <-ticker.C:
			var location string
			if err := b.run(ctx, sess, checkTimeout, chromedp.Location(&location)); err != nil {
				continue
			}
			if strings.Contains(location, "/member") {
				if id := extractBandID(location); id != "" {
					return id, nil
				}
			}
		}
	}
}

// CaptureArtifact stores a full-page screenshot named after the account,
// the reason label and the capture time.
func (b *Browser) CaptureArtifact(ctx context.Context, accountID int64, reason string) (string, error) {
	sess := b.getSession(accountID)

	var shot []byte
	if err := b.run(ctx, sess, navigateTimeout, chromedp.FullScreenshot(&shot, 90)); err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}

	name := fmt.Sprintf("account_%d_%s_%s.png", accountID, reason, time.Now().Format("20060102_150405"))
	path := filepath.Join(b.cfg.ScreenshotsDir, name)
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// Release tears down the account's browser session.
func (b *Browser) Release(accountID int64) {
	b.mu.Lock()
	sess, ok := b.sessions[accountID]
	if ok {
		delete(b.sessions, accountID)
	}
	b.mu.Unlock()

	if ok {
		sess.tabCancel()
		sess.allocCancel()
	}
}

// Close releases every remaining session.
func (b *Browser) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[int64]*session)
	b.mu.Unlock()

	for _, sess := range sessions {
		sess.tabCancel()
		sess.allocCancel()
	}
}

func extractBandID(url string) string {
	match := bandIDPattern.FindStringSubmatch(url)
	if match == nil {
		return ""
	}
	return match[1]
}
