// Package wfe implements the web front end: the HTTP face of the ACME
// server. Every handler receives requests already stamped with standard
// headers, runs the JWS verification pipeline where the protocol requires
// it, and drives the storage, validation and certificate authorities.
package wfe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petra-ca/petra/core"
	"github.com/petra-ca/petra/goodkey"
	blog "github.com/petra-ca/petra/log"
	"github.com/petra-ca/petra/nonce"
	"github.com/petra-ca/petra/policy"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/web"
)

// Path constants for every endpoint the front end serves. Entity paths end
// in a trailing slash; the entity name is the remaining slug.
const (
	directoryPath  = "/directory"
	newNoncePath   = "/acme/newnonce"
	newAccountPath = "/acme/newaccount"
	acctPath       = "/acme/acct/"
	newOrderPath   = "/acme/neworders"
	orderPath      = "/acme/order/"
	authzPath      = "/acme/authz/"
	challengePath  = "/acme/chall/"
	certPath       = "/acme/cert/"
	revokeCertPath = "/acme/revokecert"
	keyChangePath  = "/acme/key-change"
	triggerPath    = "/trigger"
)

// finalizeSuffix distinguishes the finalize action on an order URL.
const finalizeSuffix = "/finalize"

// ordersSuffix distinguishes the order-list view on an account URL.
const ordersSuffix = "/orders"

// Config carries the front end's tunables.
type Config struct {
	// SubscriberAgreementURL is the terms-of-service URL advertised in the
	// directory meta and enforced at registration when RequireToS is set.
	SubscriberAgreementURL string
	RequireToS             bool
	WebsiteURL             string
	CAAIdentities          []string

	// OrderLifetime and AuthzLifetime bound how long pending orders and
	// authorizations stay actionable.
	OrderLifetime time.Duration
	AuthzLifetime time.Duration

	// CATimeout bounds a synchronous CA enrollment.
	CATimeout time.Duration

	// AccountCacheSize and AccountCacheTTL size the positive account cache
	// used during JWS verification. Zero disables the cache.
	AccountCacheSize int
	AccountCacheTTL  time.Duration
}

// WebFrontEndImpl holds the front end's collaborators.
type WebFrontEndImpl struct {
	log blog.Logger
	clk clock.Clock

	sa core.StorageAuthority
	va core.ValidationAuthority
	ca core.CertificateAuthority

	nonceService *nonce.NonceService
	pa           *policy.AuthorityImpl
	keyPolicy    goodkey.KeyPolicy

	accountCache *AccountCache

	subscriberAgreementURL string
	requireToS             bool
	websiteURL             string
	caaIdentities          []string

	orderLifetime time.Duration
	authzLifetime time.Duration
	caTimeout     time.Duration

	joseErrorCount *prometheus.CounterVec
	httpErrorCount *prometheus.CounterVec
}

// NewWebFrontEnd builds the front end.
func NewWebFrontEnd(
	config Config,
	sa core.StorageAuthority,
	va core.ValidationAuthority,
	ca core.CertificateAuthority,
	nonceService *nonce.NonceService,
	pa *policy.AuthorityImpl,
	keyPolicy goodkey.KeyPolicy,
	stats prometheus.Registerer,
	clk clock.Clock,
	logger blog.Logger,
) (*WebFrontEndImpl, error) {
	if config.OrderLifetime == 0 {
		config.OrderLifetime = 24 * time.Hour
	}
	if config.AuthzLifetime == 0 {
		config.AuthzLifetime = 24 * time.Hour
	}
	if config.CATimeout == 0 {
		config.CATimeout = 120 * time.Second
	}

	joseErrorCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jose_errors",
		Help: "JWS verification failures, by pipeline stage",
	}, []string{"type"})
	stats.MustRegister(joseErrorCount)
	httpErrorCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_errors",
		Help: "Problem documents served, by problem type",
	}, []string{"type"})
	stats.MustRegister(httpErrorCount)

	var accountCache *AccountCache
	if config.AccountCacheSize > 0 {
		accountCache = NewAccountCache(config.AccountCacheSize, config.AccountCacheTTL, clk)
	}

	return &WebFrontEndImpl{
		log:                    logger,
		clk:                    clk,
		sa:                     sa,
		va:                     va,
		ca:                     ca,
		nonceService:           nonceService,
		pa:                     pa,
		keyPolicy:              keyPolicy,
		accountCache:           accountCache,
		subscriberAgreementURL: config.SubscriberAgreementURL,
		requireToS:             config.RequireToS,
		websiteURL:             config.WebsiteURL,
		caaIdentities:          config.CAAIdentities,
		orderLifetime:          config.OrderLifetime,
		authzLifetime:          config.AuthzLifetime,
		caTimeout:              config.CATimeout,
		joseErrorCount:         joseErrorCount,
		httpErrorCount:         httpErrorCount,
	}, nil
}

// Handler returns the fully routed mux, ready to be wrapped by
// measured_http in main.
func (wfe *WebFrontEndImpl) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	wfe.handleFunc(mux, directoryPath, wfe.Directory, http.MethodGet, http.MethodPost)
	wfe.handleFunc(mux, newNoncePath, wfe.Nonce, http.MethodGet, http.MethodHead)
	wfe.handleFunc(mux, newAccountPath, wfe.NewAccount, http.MethodPost)
	wfe.handleFunc(mux, acctPath, wfe.Account, http.MethodPost)
	wfe.handleFunc(mux, newOrderPath, wfe.NewOrder, http.MethodPost)
	wfe.handleFunc(mux, orderPath, wfe.Order, http.MethodPost)
	wfe.handleFunc(mux, authzPath, wfe.Authorization, http.MethodPost)
	wfe.handleFunc(mux, challengePath, wfe.Challenge, http.MethodPost)
	wfe.handleFunc(mux, certPath, wfe.Certificate, http.MethodPost)
	wfe.handleFunc(mux, revokeCertPath, wfe.RevokeCert, http.MethodPost)
	wfe.handleFunc(mux, keyChangePath, wfe.KeyRollover, http.MethodPost)
	wfe.handleFunc(mux, triggerPath, wfe.Trigger, http.MethodPost)
	wfe.handleFunc(mux, "/", wfe.Index, http.MethodGet)
	return mux
}

// handleFunc registers a handler wrapped with method enforcement, standard
// headers and request event logging.
func (wfe *WebFrontEndImpl) handleFunc(mux *http.ServeMux, pattern string, handler web.WFEHandlerFunc, methods ...string) {
	methodSet := make(map[string]bool, len(methods))
	for _, m := range methods {
		methodSet[m] = true
	}
	inner := func(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
		wfe.sendStandardHeaders(w, r)
		if !methodSet[r.Method] {
			w.Header().Set("Allow", allowHeader(methods))
			wfe.sendError(w, event, probs.MethodNotAllowed(), nil)
			return
		}
		handler(event, w, r)
	}
	mux.Handle(pattern, web.NewTopHandler(wfe.log, wfe.clk, pattern, inner))
}

func allowHeader(methods []string) string {
	out := ""
	for i, m := range methods {
		if i > 0 {
			out += ", "
		}
		out += m
	}
	return out
}

// sendStandardHeaders stamps the headers every response carries: a fresh
// replay nonce and the directory index link.
func (wfe *WebFrontEndImpl) sendStandardHeaders(w http.ResponseWriter, r *http.Request) {
	token, err := wfe.nonceService.Nonce(r.Context())
	if err != nil {
		wfe.log.Errf("issuing replay nonce: %s", err)
	} else {
		w.Header().Set("Replay-Nonce", token)
	}
	w.Header().Set("Link", link(web.RelativeEndpoint(r, directoryPath), "index"))
	w.Header().Set("Cache-Control", "public, max-age=0, no-cache")
}

func link(url, relation string) string {
	return fmt.Sprintf("<%s>;rel=\"%s\"", url, relation)
}

// sendError serves a problem document and counts it.
func (wfe *WebFrontEndImpl) sendError(w http.ResponseWriter, event *web.RequestEvent, prob *probs.ProblemDetails, ierr error) {
	wfe.httpErrorCount.WithLabelValues(string(prob.Type)).Inc()
	web.SendError(w, event, prob, ierr)
}

// writeJSON serves a JSON body with the given status.
func (wfe *WebFrontEndImpl) writeJSON(w http.ResponseWriter, event *web.RequestEvent, status int, v interface{}) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to marshal response"), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Index answers the root path and rejects everything unrouted.
func (wfe *WebFrontEndImpl) Index(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		wfe.sendError(w, event, probs.NotFound("Path not found"), nil)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><body>This is an ACME server.<br>Directory: <a href="%s">%s</a></body></html>`,
		directoryPath, directoryPath)
}

// Directory serves the endpoint map plus metadata. A random entry is
// included to stop clients hardcoding directory contents.
func (wfe *WebFrontEndImpl) Directory(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	directory := map[string]interface{}{
		"newNonce":   web.RelativeEndpoint(r, newNoncePath),
		"newAccount": web.RelativeEndpoint(r, newAccountPath),
		"newOrder":   web.RelativeEndpoint(r, newOrderPath),
		"revokeCert": web.RelativeEndpoint(r, revokeCertPath),
		"keyChange":  web.RelativeEndpoint(r, keyChangePath),
		core.RandomString(4): "https://community.letsencrypt.org/t/adding-random-entries-to-the-directory/33417",
	}
	meta := map[string]interface{}{}
	if wfe.subscriberAgreementURL != "" {
		meta["termsOfService"] = wfe.subscriberAgreementURL
	}
	if wfe.websiteURL != "" {
		meta["website"] = wfe.websiteURL
	}
	if len(wfe.caaIdentities) > 0 {
		meta["caaIdentities"] = wfe.caaIdentities
	}
	if len(meta) > 0 {
		directory["meta"] = meta
	}
	wfe.writeJSON(w, event, http.StatusOK, directory)
}

// Nonce serves newNonce: the work already happened in sendStandardHeaders.
func (wfe *WebFrontEndImpl) Nonce(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relativeEntityURL builds the absolute URL of a stored entity.
func relativeEntityURL(r *http.Request, prefix, name string) string {
	return web.RelativeEndpoint(r, prefix+name)
}

// caContext returns a context for CA calls detached from the request, so a
// client disconnect cannot abort an enrollment already under way.
func (wfe *WebFrontEndImpl) caContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), wfe.caTimeout)
}
