// Package va implements the validation authority: the component that
// performs the outward-facing half of challenge validation. Requests are
// queued durably, worked off by a bounded pool, and their outcomes cascade
// from challenge to authorization to order.
package va

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beeker1121/goque"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/petra-ca/petra/bdns"
	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	blog "github.com/petra-ca/petra/log"
	"github.com/petra-ca/petra/probs"
)

// singleValidationTimeout bounds one validation attempt, independent of the
// HTTP request that triggered it.
const singleValidationTimeout = 30 * time.Second

// Config holds the validation authority's tunables.
type Config struct {
	// QueueDir is where the durable validation queue lives on disk.
	QueueDir string
	// MaxWorkers bounds concurrent validations.
	MaxWorkers int64
	// HTTPPort and TLSPort are the ports probed by http-01 and tls-alpn-01.
	// Production is 80 and 443; tests point them at local listeners.
	HTTPPort int
	TLSPort  int
	// AccountURIPrefixes are the account URL prefixes accepted by
	// dns-account-01 label calculation.
	AccountURIPrefixes []string
	// DNSAccount01Enabled gates the dns-account-01 challenge type.
	DNSAccount01Enabled bool
}

// ValidationAuthorityImpl runs challenge validations against a storage
// authority and a DNS client.
type ValidationAuthorityImpl struct {
	sa        core.StorageAuthority
	dnsClient bdns.Client
	log       blog.Logger
	clk       clock.Clock

	queue    *goque.Queue
	sem      *semaphore.Weighted
	notify   chan struct{}
	shutdown chan struct{}
	done     sync.WaitGroup

	// inflight holds challenge IDs with a validation queued or running, so a
	// client hammering a challenge URL starts at most one probe.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	httpPort            int
	tlsPort             int
	accountURIPrefixes  []string
	dnsAccount01Enabled bool

	validationTime    *prometheus.HistogramVec
	validationLatency prometheus.Histogram
}

var _ core.ValidationAuthority = (*ValidationAuthorityImpl)(nil)

// New constructs a validation authority. Start must be called before
// enqueued validations are worked off.
func New(
	config Config,
	sa core.StorageAuthority,
	dnsClient bdns.Client,
	stats prometheus.Registerer,
	clk clock.Clock,
	logger blog.Logger,
) (*ValidationAuthorityImpl, error) {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 10
	}
	if config.HTTPPort == 0 {
		config.HTTPPort = 80
	}
	if config.TLSPort == 0 {
		config.TLSPort = 443
	}
	queue, err := goque.OpenQueue(config.QueueDir)
	if err != nil {
		return nil, fmt.Errorf("opening validation queue: %w", err)
	}

	validationTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "validation_time",
		Help: "Time taken to validate a challenge, by type and result",
	}, []string{"type", "result"})
	stats.MustRegister(validationTime)
	validationLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "validation_queue_latency",
		Help: "Time between enqueue and the start of validation",
	})
	stats.MustRegister(validationLatency)

	return &ValidationAuthorityImpl{
		sa:                  sa,
		dnsClient:           dnsClient,
		log:                 logger,
		clk:                 clk,
		queue:               queue,
		sem:                 semaphore.NewWeighted(config.MaxWorkers),
		notify:              make(chan struct{}, 1),
		shutdown:            make(chan struct{}),
		inflight:            make(map[string]struct{}),
		httpPort:            config.HTTPPort,
		tlsPort:             config.TLSPort,
		accountURIPrefixes:  config.AccountURIPrefixes,
		dnsAccount01Enabled: config.DNSAccount01Enabled,
		validationTime:      validationTime,
		validationLatency:   validationLatency,
	}, nil
}

// queuedValidation is the durable queue entry.
type queuedValidation struct {
	Request  core.ValidationRequest
	Enqueued time.Time
}

// Enqueue schedules a validation. It returns false without scheduling if a
// validation for the same challenge is already queued or running.
func (va *ValidationAuthorityImpl) Enqueue(req core.ValidationRequest) (bool, error) {
	va.inflightMu.Lock()
	if _, ok := va.inflight[req.ChallengeID]; ok {
		va.inflightMu.Unlock()
		return false, nil
	}
	va.inflight[req.ChallengeID] = struct{}{}
	va.inflightMu.Unlock()

	_, err := va.queue.EnqueueObject(queuedValidation{
		Request:  req,
		Enqueued: va.clk.Now(),
	})
	if err != nil {
		va.clearInflight(req.ChallengeID)
		return false, err
	}
	select {
	case va.notify <- struct{}{}:
	default:
	}
	return true, nil
}

func (va *ValidationAuthorityImpl) clearInflight(challengeID string) {
	va.inflightMu.Lock()
	delete(va.inflight, challengeID)
	va.inflightMu.Unlock()
}

// Start launches the dispatch loop. It returns immediately.
func (va *ValidationAuthorityImpl) Start() {
	va.done.Add(1)
	go va.dispatchLoop()
}

// Stop shuts the dispatch loop down and closes the queue. Validations
// already running are allowed to finish.
func (va *ValidationAuthorityImpl) Stop() {
	close(va.shutdown)
	va.done.Wait()
	_ = va.queue.Close()
}

func (va *ValidationAuthorityImpl) dispatchLoop() {
	defer va.done.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		va.drainQueue()
		select {
		case <-va.shutdown:
			return
		case <-va.notify:
		case <-ticker.C:
		}
	}
}

func (va *ValidationAuthorityImpl) drainQueue() {
	for {
		item, err := va.queue.Dequeue()
		if errors.Is(err, goque.ErrEmpty) {
			return
		}
		if err != nil {
			va.log.Errf("dequeueing validation: %s", err)
			return
		}
		var queued queuedValidation
		err = item.ToObject(&queued)
		if err != nil {
			va.log.Errf("decoding queued validation: %s", err)
			continue
		}
		err = va.sem.Acquire(context.Background(), 1)
		if err != nil {
			return
		}
		va.validationLatency.Observe(va.clk.Since(queued.Enqueued).Seconds())
		go func() {
			defer va.sem.Release(1)
			defer va.clearInflight(queued.Request.ChallengeID)
			va.performValidation(queued.Request)
		}()
	}
}

// performValidation runs one validation attempt end to end, including the
// status cascade. It deliberately uses its own context: the client request
// that triggered the validation has long since been answered.
func (va *ValidationAuthorityImpl) performValidation(req core.ValidationRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), singleValidationTimeout)
	defer cancel()

	chall, err := va.sa.GetChallenge(ctx, req.ChallengeID)
	if err != nil {
		va.log.Errf("fetching challenge %s: %s", req.ChallengeID, err)
		return
	}
	// The front end marks the challenge processing when it enqueues the
	// request. A pending status is still accepted so that requests replayed
	// from the on-disk queue after a restart are picked up.
	if chall.Status != core.StatusPending && chall.Status != core.StatusProcessing {
		return
	}
	authz, err := va.sa.GetAuthorization(ctx, chall.AuthzID)
	if err != nil {
		va.log.Errf("fetching authorization %s: %s", chall.AuthzID, err)
		return
	}

	if chall.Status == core.StatusPending {
		chall.Status = core.StatusProcessing
		err = va.sa.UpdateChallenge(ctx, chall)
		if err != nil {
			va.log.Errf("marking challenge %s processing: %s", chall.ID, err)
			return
		}
	}

	keyAuthorization := chall.Token + "." + req.AccountThumbprint

	start := va.clk.Now()
	var validationErr error
	switch chall.Type {
	case core.ChallengeTypeHTTP01:
		validationErr = va.validateHTTP01(ctx, authz.Identifier, chall.Token, keyAuthorization)
	case core.ChallengeTypeDNS01:
		validationErr = va.validateDNS01(ctx, authz.Identifier, keyAuthorization)
	case core.ChallengeTypeTLSALPN01:
		validationErr = va.validateTLSALPN01(ctx, authz.Identifier, keyAuthorization)
	case core.ChallengeTypeDNSAccount01:
		validationErr = va.validateDNSAccount01(ctx, authz.Identifier, keyAuthorization, req.AccountURL)
	default:
		validationErr = berrors.MalformedError("unsupported challenge type %q", chall.Type)
	}

	result := "valid"
	if validationErr != nil {
		result = "invalid"
	}
	va.validationTime.WithLabelValues(string(chall.Type), result).Observe(va.clk.Since(start).Seconds())

	if validationErr == nil {
		now := va.clk.Now()
		chall.Status = core.StatusValid
		chall.Validated = &now
		chall.Error = nil
	} else {
		va.log.Infof("validation of challenge %s failed: %s", chall.ID, validationErr)
		chall.Status = core.StatusInvalid
		chall.Error = detailedError(validationErr)
	}
	err = va.sa.UpdateChallenge(ctx, chall)
	if err != nil {
		va.log.Errf("recording outcome for challenge %s: %s", chall.ID, err)
		return
	}

	va.cascade(ctx, authz, chall.Status)
}

// cascade propagates a terminal challenge status up through the
// authorization and the order.
func (va *ValidationAuthorityImpl) cascade(ctx context.Context, authz core.Authorization, challStatus core.AcmeStatus) {
	switch challStatus {
	case core.StatusValid:
	case core.StatusInvalid:
		// One failed challenge does not settle the authorization: the client
		// may still attempt a sibling. The authorization (and its order)
		// becomes invalid only once every challenge has failed.
		challs, err := va.sa.GetChallengesByAuthorization(ctx, authz.ID)
		if err != nil {
			va.log.Errf("fetching challenges for authorization %s: %s", authz.ID, err)
			return
		}
		for _, sibling := range challs {
			if sibling.Status != core.StatusInvalid {
				return
			}
		}
		err = va.sa.UpdateAuthorizationStatus(ctx, authz.ID, core.StatusInvalid)
		if err != nil {
			va.log.Errf("updating authorization %s: %s", authz.ID, err)
			return
		}
		// The store discards the write if the authorization went valid in
		// the meantime; re-read before condemning the order.
		refreshed, err := va.sa.GetAuthorization(ctx, authz.ID)
		if err != nil || refreshed.Status != core.StatusInvalid {
			return
		}
		err = va.sa.UpdateOrderStatus(ctx, authz.OrderID, core.StatusInvalid)
		if err != nil {
			va.log.Errf("updating order %s: %s", authz.OrderID, err)
		}
		return
	default:
		return
	}

	err := va.sa.UpdateAuthorizationStatus(ctx, authz.ID, core.StatusValid)
	if err != nil {
		va.log.Errf("updating authorization %s: %s", authz.ID, err)
		return
	}

	// The order becomes ready only once every authorization is valid.
	siblings, err := va.sa.GetAuthorizationsByOrder(ctx, authz.OrderID)
	if err != nil {
		va.log.Errf("fetching authorizations for order %s: %s", authz.OrderID, err)
		return
	}
	for _, sibling := range siblings {
		status := sibling.Status
		if sibling.ID == authz.ID {
			status = core.StatusValid
		}
		if status != core.StatusValid {
			return
		}
	}
	err = va.sa.UpdateOrderStatus(ctx, authz.OrderID, core.StatusReady)
	if err != nil {
		va.log.Errf("updating order %s: %s", authz.OrderID, err)
	}
}

// detailedError turns an error from a validation attempt into the problem
// document stored on the challenge.
func detailedError(err error) *probs.ProblemDetails {
	var prob *probs.ProblemDetails
	if errors.As(err, &prob) {
		return prob
	}
	var petraErr *berrors.PetraError
	if errors.As(err, &petraErr) {
		switch petraErr.Type {
		case berrors.ConnectionFailure:
			return probs.Connection(petraErr.Detail)
		case berrors.Unauthorized:
			return probs.Unauthorized(petraErr.Detail)
		case berrors.Malformed:
			return probs.Malformed(petraErr.Detail)
		case berrors.DNS:
			return probs.DNS(petraErr.Detail)
		case berrors.TLS:
			return probs.TLS(petraErr.Detail)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return probs.Connection("validation timed out")
	}
	return probs.ServerInternal("could not validate challenge")
}

// keyAuthorizationDigest is the TXT record value for the DNS challenge
// types: base64url(SHA-256(key authorization)).
func keyAuthorizationDigest(keyAuthorization string) string {
	digest := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}
