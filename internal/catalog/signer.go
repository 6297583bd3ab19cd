package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// DefaultSASURL is the Planetary Computer token endpoint.
const DefaultSASURL = "https://planetarycomputer.microsoft.com/api/sas/v1"

// expirySkew refreshes tokens this long before they expire.
const expirySkew = 5 * time.Minute

type sasToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"msft:expiry"`
}

// Signer appends Planetary Computer SAS tokens to asset hrefs, caching one token
// per collection until shortly before it expires.
type Signer struct {
	http    *resty.Client
	baseURL string
	now     func() time.Time

	mu     sync.Mutex
	tokens map[string]sasToken
}

// NewSigner creates a signer for the SAS API at baseURL (DefaultSASURL when empty).
func NewSigner(baseURL string) *Signer {
	if baseURL == "" {
		baseURL = DefaultSASURL
	}
	hc := resty.New()
	hc.SetTimeout(defaultTimeout)
	hc.SetRetryCount(defaultRetries)
	return &Signer{
		http:    hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
		tokens:  make(map[string]sasToken),
	}
}

// Sign rewrites every asset href of item with its collection's token.
func (s *Signer) Sign(ctx context.Context, item *Item) error {
	tok, err := s.token(ctx, item.Collection)
	if err != nil {
		return err
	}
	for name, a := range item.Assets {
		if strings.Contains(a.Href, tok) {
			continue
		}
		sep := "?"
		if strings.Contains(a.Href, "?") {
			sep = "&"
		}
		a.Href = a.Href + sep + tok
		item.Assets[name] = a
	}
	return nil
}

func (s *Signer) token(ctx context.Context, collection string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[collection]; ok && s.now().Add(expirySkew).Before(t.Expiry) {
		return t.Token, nil
	}

	var t sasToken
	resp, err := s.http.R().SetContext(ctx).SetResult(&t).Get(s.baseURL + "/token/" + collection)
	if err != nil {
		return "", fmt.Errorf("requesting sas token for %s: %v: %w", collection, err, series.ErrUpstreamUnavailable)
	}
	if resp.IsError() || t.Token == "" {
		return "", fmt.Errorf("requesting sas token for %s: status %d: %w", collection, resp.StatusCode(), series.ErrUpstreamUnavailable)
	}
	s.tokens[collection] = t
	return t.Token, nil
}
