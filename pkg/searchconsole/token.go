package searchconsole

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sc "google.golang.org/api/searchconsole/v1"

	"github.com/sells-group/gsc-radar/internal/store"
)

// TokenStore loads and saves an account's OAuth token as JSON.
type TokenStore interface {
	LoadToken(ctx context.Context, accountID string) ([]byte, error)
	SaveToken(ctx context.Context, accountID string, token []byte) error
}

// FactoryConfig configures per-account client construction.
type FactoryConfig struct {
	ClientID     string
	ClientSecret string
	// Endpoint overrides the API base URL.
	Endpoint string
	Retries  int
}

// Factory builds authenticated clients for stored accounts.
type Factory struct {
	oauth    *oauth2.Config
	tokens   TokenStore
	endpoint string
	retries  int
}

// NewFactory returns a Factory that refreshes tokens with the given OAuth
// client and writes refreshed tokens back to tokens.
func NewFactory(cfg FactoryConfig, tokens TokenStore) *Factory {
	return &Factory{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{sc.WebmastersReadonlyScope},
		},
		tokens:   tokens,
		endpoint: cfg.Endpoint,
		retries:  cfg.Retries,
	}
}

// ForAccount loads the account's token, refreshes it when expired and
// returns a client bound to it. A missing, undecodable or unrefreshable
// token maps to ErrAuth. Storage failures are returned as they are.
func (f *Factory) ForAccount(ctx context.Context, accountID string) (API, error) {
	raw, err := f.tokens.LoadToken(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrAuth, "no token stored for %s", accountID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "searchconsole: load token for %s", accountID)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, eris.Wrapf(ErrAuth, "decode token for %s: %v", accountID, err)
	}
	if tok.RefreshToken == "" && !tok.Valid() {
		return nil, eris.Wrapf(ErrAuth, "token for %s is expired and has no refresh token", accountID)
	}

	ts := &persistingSource{
		base:      f.oauth.TokenSource(context.WithoutCancel(ctx), &tok),
		tokens:    f.tokens,
		accountID: accountID,
		last:      tok.AccessToken,
	}
	reuse := oauth2.ReuseTokenSource(&tok, ts)
	if _, err := reuse.Token(); err != nil {
		return nil, classifyTokenErr(accountID, err)
	}

	opts := []option.ClientOption{option.WithTokenSource(reuse)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	return NewClient(ctx, f.retries, opts...)
}

func classifyTokenErr(accountID string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return eris.Wrapf(ErrAuth, "refresh token for %s: %s", accountID, rerr.ErrorCode)
	}
	return eris.Wrapf(err, "searchconsole: refresh token for %s", accountID)
}

// persistingSource saves every newly minted token so refreshes survive the
// process.
type persistingSource struct {
	base      oauth2.TokenSource
	tokens    TokenStore
	accountID string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.last
	p.last = tok.AccessToken
	p.mu.Unlock()

	if changed {
		raw, err := json.Marshal(tok)
		if err == nil {
			err = p.tokens.SaveToken(context.Background(), p.accountID, raw)
		}
		if err != nil {
			zap.L().Warn("searchconsole: persist refreshed token", zap.String("account_id", p.accountID), zap.Error(err))
		}
	}
	return tok, nil
}

// BaseDomain derives the bare host of a property URL: the sc-domain prefix,
// scheme, www. and port are dropped.
func BaseDomain(siteURL string) string {
	s := strings.TrimSpace(siteURL)
	if rest, ok := strings.CutPrefix(s, "sc-domain:"); ok {
		return strings.ToLower(strings.TrimPrefix(rest, "www."))
	}
	host := s
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		host = u.Hostname()
	} else {
		host, _, _ = strings.Cut(host, "/")
		host, _, _ = strings.Cut(host, ":")
	}
	return strings.ToLower(strings.TrimPrefix(host, "www."))
}
