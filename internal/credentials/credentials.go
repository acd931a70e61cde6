// Package credentials resolves a usable GitHub access token for a
// repository: it prefers a GitHub App installation token, minted via a
// short-lived application JWT, falling back to a configured personal
// access token when the App is not installed on the target repo (or
// not configured at all).
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v66/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/neverdown-ai/healer/internal/logx"
)

var log = logx.New("credentials")

const (
	githubAPI = "https://api.github.com"

	jwtClockSkew  = 60 * time.Second
	jwtLifetime   = 9 * time.Minute
	tokenSafety   = 5 * time.Minute
	remoteTimeout = 30 * time.Second

	AuthMethodApp      = "app"
	AuthMethodFallback = "fallback"
)

// Config is the broker's static configuration, assembled by
// internal/config from the environment.
type Config struct {
	AppID         int64
	AppSlug       string
	PrivateKeyPEM string
	FallbackToken string
}

func (c Config) appConfigured() bool {
	return c.AppID != 0 && strings.TrimSpace(c.PrivateKeyPEM) != ""
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Broker resolves and caches GitHub credentials. It is safe for
// concurrent use and is meant to be constructed once and shared as an
// explicit dependency, never as a process-wide singleton reached for
// by name.
type Broker struct {
	cfg        Config
	httpClient *http.Client

	installationCache *lru.Cache[string, int64]
	tokenCache        *lru.Cache[int64, cachedToken]

	parsedKey any // *rsa.PrivateKey, parsed lazily
}

// NewBroker constructs a Broker. Both caches are bounded at 4096
// entries since the broker may live for the process's entire lifetime
// and serve many distinct repositories.
func NewBroker(cfg Config) (*Broker, error) {
	instCache, err := lru.New[string, int64](4096)
	if err != nil {
		return nil, err
	}
	tokCache, err := lru.New[int64, cachedToken](4096)
	if err != nil {
		return nil, err
	}
	return &Broker{
		cfg:               cfg,
		httpClient:        &http.Client{Timeout: remoteTimeout},
		installationCache: instCache,
		tokenCache:        tokCache,
	}, nil
}

// IsAppConfigured reports whether a GitHub App ID and private key are
// present.
func (b *Broker) IsAppConfigured() bool { return b.cfg.appConfigured() }

// HasFallbackToken reports whether a PAT fallback is configured.
func (b *Broker) HasFallbackToken() bool { return b.cfg.FallbackToken != "" }

// AuthMethod reports which credential source would currently be used.
func (b *Broker) AuthMethod() string {
	switch {
	case b.IsAppConfigured():
		return AuthMethodApp
	case b.HasFallbackToken():
		return AuthMethodFallback
	default:
		return "none"
	}
}

func (b *Broker) generateJWT() (string, error) {
	if !b.cfg.appConfigured() {
		return "", fmt.Errorf("credentials: GitHub App ID and private key are both required to mint a JWT")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(b.cfg.PrivateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("credentials: parsing app private key: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtClockSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		Issuer:    fmt.Sprintf("%d", b.cfg.AppID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

// InstallURL builds the GitHub App installation page URL, optionally
// carrying a CSRF state parameter through the redirect.
func (b *Broker) InstallURL(state string) (string, error) {
	if b.cfg.AppSlug == "" {
		return "", fmt.Errorf("credentials: no GitHub App slug configured")
	}
	base := fmt.Sprintf("https://github.com/apps/%s/installations/new", b.cfg.AppSlug)
	if state == "" {
		return base, nil
	}
	v := url.Values{}
	v.Set("state", state)
	return base + "?" + v.Encode(), nil
}

// InstallationSummary is returned by HandleInstallationCallback.
type InstallationSummary struct {
	Status              string
	InstallationID      int64
	SetupAction         string
	Account             string
	RepositorySelection string
	Error               string
}

// HandleInstallationCallback fetches installation details for the
// admin callback endpoint to display. It never returns an error; a
// failed lookup is reported via Summary.Error instead so the callback
// page can still render.
func (b *Broker) HandleInstallationCallback(ctx context.Context, installationID int64, setupAction string) InstallationSummary {
	details, err := b.installationDetails(ctx, installationID)
	if err != nil {
		return InstallationSummary{Status: "error", InstallationID: installationID, SetupAction: setupAction, Error: err.Error()}
	}
	account := "unknown"
	if acct, ok := details["account"].(map[string]any); ok {
		if login, ok := acct["login"].(string); ok {
			account = login
		}
	}
	repoSelection := "all"
	if sel, ok := details["repository_selection"].(string); ok {
		repoSelection = sel
	}
	return InstallationSummary{
		Status:              "success",
		InstallationID:      installationID,
		SetupAction:         setupAction,
		Account:             account,
		RepositorySelection: repoSelection,
	}
}

func (b *Broker) installationDetails(ctx context.Context, installationID int64) (map[string]any, error) {
	jwtToken, err := b.generateJWT()
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/app/installations/%d", githubAPI, installationID)
	var out map[string]any
	if err := b.doJSON(ctx, http.MethodGet, path, jwtToken, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindInstallationForRepo looks up the installation ID for owner/repo,
// returning (0, false) if the App is not installed there. Errors from
// the remote call are treated the same as "not installed" — the
// caller always has the PAT fallback path available.
func (b *Broker) FindInstallationForRepo(ctx context.Context, owner, repo string) (int64, bool) {
	cacheKey := owner + "/" + repo
	if id, ok := b.installationCache.Get(cacheKey); ok {
		return id, true
	}
	if !b.IsAppConfigured() {
		return 0, false
	}

	jwtToken, err := b.generateJWT()
	if err != nil {
		return 0, false
	}

	path := fmt.Sprintf("%s/repos/%s/%s/installation", githubAPI, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, false
	}
	setGitHubHeaders(req, jwtToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		log.Printf("installation lookup for %s: request failed: %v", Fingerprint(cacheKey), err)
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, false
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("installation lookup for %s: unexpected status %d", Fingerprint(cacheKey), resp.StatusCode)
		return 0, false
	}
	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false
	}
	b.installationCache.Add(cacheKey, body.ID)
	return body.ID, true
}

// GetInstallationToken mints (or returns a cached) installation access
// token for installationID. Cached tokens are treated as expired 5
// minutes before GitHub's stated expiry as a safety margin.
func (b *Broker) GetInstallationToken(ctx context.Context, installationID int64) (string, error) {
	if cached, ok := b.tokenCache.Get(installationID); ok {
		if time.Now().Before(cached.expiresAt) {
			return cached.token, nil
		}
	}

	jwtToken, err := b.generateJWT()
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("%s/app/installations/%d/access_tokens", githubAPI, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}
	setGitHubHeaders(req, jwtToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("credentials: minting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("credentials: installation token fetch failed: %d", resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("credentials: decoding installation token response: %w", err)
	}

	b.tokenCache.Add(installationID, cachedToken{
		token:     body.Token,
		expiresAt: body.ExpiresAt.Add(-tokenSafety),
	})
	return body.Token, nil
}

// GetTokenForRepo resolves the best available token for owner/repo: a
// GitHub App installation token if the App is installed there,
// otherwise the configured fallback PAT. The returned auth method is
// AuthMethodApp or AuthMethodFallback.
func (b *Broker) GetTokenForRepo(ctx context.Context, owner, repo string) (token, authMethod string, err error) {
	if b.IsAppConfigured() {
		if installationID, ok := b.FindInstallationForRepo(ctx, owner, repo); ok {
			if tok, err := b.GetInstallationToken(ctx, installationID); err == nil {
				return tok, AuthMethodApp, nil
			}
		}
	}
	if b.HasFallbackToken() {
		return b.cfg.FallbackToken, AuthMethodFallback, nil
	}
	return "", "", fmt.Errorf("credentials: neither a GitHub App installation nor a fallback token is available for %s/%s", owner, repo)
}

// InstallationInfo is the admin-facing summary of one App installation.
type InstallationInfo struct {
	ID                  int64
	Account             string
	RepositorySelection string
}

// ListInstallations lists every installation of the configured App,
// for the admin overview endpoint. Returns an empty slice (not an
// error) when the App isn't configured or the call fails, matching
// the admin-endpoint's best-effort contract.
func (b *Broker) ListInstallations(ctx context.Context) []InstallationInfo {
	if !b.IsAppConfigured() {
		return nil
	}
	jwtToken, err := b.generateJWT()
	if err != nil {
		return nil
	}
	client := github.NewClient(b.httpClient).WithAuthToken(jwtToken)

	installations, _, err := client.Apps.ListInstallations(ctx, nil)
	if err != nil {
		return nil
	}
	out := make([]InstallationInfo, 0, len(installations))
	for _, inst := range installations {
		info := InstallationInfo{ID: inst.GetID(), RepositorySelection: inst.GetRepositorySelection()}
		if acct := inst.GetAccount(); acct != nil {
			info.Account = acct.GetLogin()
		}
		out = append(out, info)
	}
	return out
}

// RepoInfo is one repository accessible to an installation.
type RepoInfo struct {
	Name     string
	FullName string
	URL      string
	Private  bool
}

// ListInstallationRepos lists the repositories an installation can
// access.
func (b *Broker) ListInstallationRepos(ctx context.Context, installationID int64) ([]RepoInfo, error) {
	token, err := b.GetInstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	client := github.NewClient(b.httpClient).WithAuthToken(token)

	result, _, err := client.Apps.ListRepos(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("credentials: listing installation repos: %w", err)
	}
	out := make([]RepoInfo, 0, len(result.Repositories))
	for _, r := range result.Repositories {
		out = append(out, RepoInfo{
			Name:     r.GetName(),
			FullName: r.GetFullName(),
			URL:      r.GetHTMLURL(),
			Private:  r.GetPrivate(),
		})
	}
	return out, nil
}

// Fingerprint returns a short, log-safe hash of a repo identifier,
// useful for correlating cache hits/misses without leaking full repo
// names into structured logs used outside this package's trust
// boundary.
func Fingerprint(ownerRepo string) string {
	sum := blake3.Sum256([]byte(ownerRepo))
	return fmt.Sprintf("%x", sum[:8])
}

func (b *Broker) doJSON(ctx context.Context, method, path, bearer string, wantStatus int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, path, nil)
	if err != nil {
		return err
	}
	setGitHubHeaders(req, bearer)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("credentials: unexpected status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func setGitHubHeaders(req *http.Request, bearer string) {
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}
