package api

// auth.go maps opaque API keys to principals. Keys live in three disjoint
// tiers; each key derives a stable principal id from its hash, so ids
// survive restarts without any principal table.

import (
	"encoding/hex"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/tensorgrid/tensorgrid/crypto"
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// apiKeyHeader carries the opaque key on every authenticated call.
const apiKeyHeader = "X-Api-Key"

// A tier is the privilege class of a key.
type tier int

const (
	tierClient tier = iota
	tierMiner
	tierAdmin
)

// A principal is an authenticated caller.
type principal struct {
	tier tier
	id   string
}

// An authenticator resolves keys to principals.
type authenticator struct {
	keys map[string]principal
}

// principalID derives the stable id of a key: a tier prefix plus the first
// four bytes of the key's blake2b hash, hex encoded.
func principalID(prefix, key string) string {
	h := crypto.HashBytes([]byte(key))
	return prefix + "-" + hex.EncodeToString(h[:4])
}

func newAuthenticator(config Config) *authenticator {
	auth := &authenticator{keys: make(map[string]principal)}
	for _, key := range config.ClientKeys {
		auth.keys[key] = principal{tier: tierClient, id: principalID("c", key)}
	}
	for _, key := range config.MinerKeys {
		auth.keys[key] = principal{tier: tierMiner, id: principalID("m", key)}
	}
	for _, key := range config.AdminKeys {
		auth.keys[key] = principal{tier: tierAdmin, id: principalID("a", key)}
	}
	return auth
}

// authenticate resolves the request's key against one tier. A missing,
// unknown or wrong-tier key is indistinguishable to the caller.
func (auth *authenticator) authenticate(req *http.Request, want tier) (principal, *modules.Error) {
	key := req.Header.Get(apiKeyHeader)
	p, ok := auth.keys[key]
	if key == "" || !ok || p.tier != want {
		return principal{}, modules.NewError(modules.ErrCodeUnauthorizedKey,
			"missing or unauthorized API key")
	}
	return p, nil
}

// checkRate applies the per-key sliding window. The key itself, not the
// principal id, is the window's subject.
func (a *API) checkRate(w http.ResponseWriter, req *http.Request) bool {
	retryAfter, ok := a.limiter.allow(req.Header.Get(apiKeyHeader))
	if ok {
		return true
	}
	writeError(w, modules.NewError(modules.ErrCodeRateLimited, "rate limit exceeded").
		WithDetail("retry_after", int64(retryAfter.Seconds())+1),
		http.StatusTooManyRequests)
	return false
}

type (
	clientHandler func(http.ResponseWriter, *http.Request, httprouter.Params, types.ClientID)
	minerHandler  func(http.ResponseWriter, *http.Request, httprouter.Params, types.MinerID)
)

// requireClient wraps a handler with client-tier auth and rate limiting.
func (a *API) requireClient(route string, h clientHandler) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		a.metrics.observe(route)
		p, aerr := a.auth.authenticate(req, tierClient)
		if aerr != nil {
			writeError(w, aerr, http.StatusUnauthorized)
			return
		}
		if !a.checkRate(w, req) {
			return
		}
		h(w, req, ps, types.ClientID(p.id))
	}
}

// requireMiner wraps a handler with miner-tier auth and rate limiting.
func (a *API) requireMiner(route string, h minerHandler) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		a.metrics.observe(route)
		p, aerr := a.auth.authenticate(req, tierMiner)
		if aerr != nil {
			writeError(w, aerr, http.StatusUnauthorized)
			return
		}
		if !a.checkRate(w, req) {
			return
		}
		h(w, req, ps, types.MinerID(p.id))
	}
}

// requireAdmin wraps a handler with admin-tier auth and rate limiting.
func (a *API) requireAdmin(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		a.metrics.observe(route)
		if _, aerr := a.auth.authenticate(req, tierAdmin); aerr != nil {
			writeError(w, aerr, http.StatusUnauthorized)
			return
		}
		if !a.checkRate(w, req) {
			return
		}
		h(w, req, ps)
	}
}

// requireReceiptReader admits the owning client or any admin key; the
// settlement wallet reads receipts through the admin tier. The handler
// receives the empty client id for admin callers and must skip the
// ownership check.
func (a *API) requireReceiptReader(route string, h clientHandler) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		a.metrics.observe(route)
		p, aerr := a.auth.authenticate(req, tierClient)
		if aerr != nil {
			var adminErr *modules.Error
			p, adminErr = a.auth.authenticate(req, tierAdmin)
			if adminErr != nil {
				writeError(w, aerr, http.StatusUnauthorized)
				return
			}
		}
		if !a.checkRate(w, req) {
			return
		}
		if p.tier == tierAdmin {
			h(w, req, ps, "")
			return
		}
		h(w, req, ps, types.ClientID(p.id))
	}
}
