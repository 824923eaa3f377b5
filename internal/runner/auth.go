package runner

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"pkt.systems/bruci/internal/env"
	"pkt.systems/bruci/internal/parser"
	"pkt.systems/pslog"
)

// activeAuth picks the descriptor auth, or the collection auth when the
// descriptor inherits or declares none.
func activeAuth(d, settings parser.Descriptor) (parser.Auth, bool) {
	if strings.EqualFold(d.Request.AuthMode, "none") {
		return parser.Auth{}, false
	}
	if a, ok := d.Request.ActiveAuth(); ok {
		return a, true
	}
	return settings.Request.ActiveAuth()
}

// tokenCache holds client_credentials tokens for the duration of one run.
// sem serialises fetches; waiting on it respects ctx.
type tokenCache struct {
	sem    chan struct{}
	tokens map[string]*oauth2.Token
}

func newTokenCache() *tokenCache {
	return &tokenCache{sem: make(chan struct{}, 1), tokens: map[string]*oauth2.Token{}}
}

func (c *tokenCache) token(ctx context.Context, client *http.Client, cfg clientcredentials.Config) (*oauth2.Token, error) {
	key := cfg.TokenURL + "|" + cfg.ClientID + "|" + strings.Join(cfg.Scopes, " ")
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()
	if t, ok := c.tokens[key]; ok && t.Valid() {
		return t, nil
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	t, err := cfg.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.tokens[key] = t
	return t, nil
}

// applyAuth sets credentials on req. Headers already present on the request
// take precedence over the auth block.
func applyAuth(ctx context.Context, req *http.Request, auth parser.Auth, scope *env.Scope, cache *tokenCache, client *http.Client, logger pslog.Base) error {
	params := map[string]string{}
	for _, p := range parser.Enabled(auth.Params) {
		v, err := scope.Expand(p.Value)
		if err != nil {
			return err
		}
		params[strings.ToLower(p.Name)] = v
	}
	setAuthorization := func(v string) {
		if req.Header.Get("Authorization") == "" {
			req.Header.Set("Authorization", v)
		}
	}

	switch strings.ToLower(auth.Mode) {
	case "bearer":
		if params["token"] != "" {
			setAuthorization("Bearer " + params["token"])
		}
	case "basic":
		if req.Header.Get("Authorization") == "" {
			req.SetBasicAuth(params["username"], params["password"])
		}
	case "apikey":
		key, value := params["key"], params["value"]
		if key == "" {
			return nil
		}
		if strings.EqualFold(params["placement"], "queryparams") {
			q := req.URL.Query()
			q.Set(key, value)
			req.URL.RawQuery = q.Encode()
			return nil
		}
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	case "oauth2":
		grant := params["grant_type"]
		if grant != "" && grant != "client_credentials" {
			return fmt.Errorf("auth:oauth2 grant_type %q is not supported", grant)
		}
		cfg := clientcredentials.Config{
			ClientID:     params["client_id"],
			ClientSecret: params["client_secret"],
			TokenURL:     params["access_token_url"],
			Scopes:       strings.Fields(params["scope"]),
		}
		if cfg.TokenURL == "" {
			return fmt.Errorf("auth:oauth2 requires access_token_url")
		}
		tok, err := cache.token(ctx, client, cfg)
		if err != nil {
			return fmt.Errorf("auth:oauth2 token: %w", err)
		}
		prefix := params["token_header_prefix"]
		if prefix == "" {
			prefix = "Bearer"
		}
		setAuthorization(prefix + " " + tok.AccessToken)
	default:
		if logger != nil {
			logger.Warn("auth mode not supported, sending request without it", "mode", auth.Mode)
		}
	}
	return nil
}
