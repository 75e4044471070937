package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxFeedBytes bounds the update feed body.
const maxFeedBytes = 1 << 20

// Feed is the decoded update feed, e.g. the origin's /last-commit document.
type Feed map[string]any

// OnSync pulls the update feed when tag matches the configured sync tag and
// logs it. Other tags are ignored.
func (m *Manager) OnSync(ctx context.Context, tag string) error {
	if tag != m.cfg.SyncTag {
		m.logger.Debug("sync tag ignored", "tag", tag)
		return nil
	}
	feed, err := m.PullFeed(ctx)
	if err != nil {
		m.logger.Error("update feed failed", "tag", tag, "err", err)
		return err
	}
	m.logger.Info("update feed pulled", "tag", tag, "feed", map[string]any(feed))
	return nil
}

// PullFeed fetches FeedPath from the origin over the network and decodes it as
// a JSON object. The feed is never cached.
func (m *Manager) PullFeed(ctx context.Context) (Feed, error) {
	u, err := m.resolve(m.cfg.FeedPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}

	var feed Feed
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode feed %s: %w", u, err)
	}
	return feed, nil
}
