// Package nonce implements the replay-nonce service. Nonces are random
// opaque tokens backed by a shared store; redemption is a single atomic
// delete so each nonce is accepted at most once across every frontend
// sharing the store.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// TokenBytes is the entropy of a nonce token before base64url encoding.
const TokenBytes = 16

// DefaultTTL is how long an issued nonce stays redeemable.
const DefaultTTL = 5 * time.Minute

// Storage is the slice of the storage authority the nonce service needs.
type Storage interface {
	AddNonce(ctx context.Context, token string, created time.Time) error
	ConsumeNonce(ctx context.Context, token string, earliest time.Time) (bool, error)
	DeleteExpiredNonces(ctx context.Context, earliest time.Time) (int64, error)
}

// NonceService hands out and redeems nonces.
type NonceService struct {
	store Storage
	clk   clock.Clock
	ttl   time.Duration

	issued   prometheus.Counter
	redeemed *prometheus.CounterVec
}

// NewNonceService builds a nonce service. A zero ttl means DefaultTTL.
func NewNonceService(store Storage, clk clock.Clock, ttl time.Duration, stats prometheus.Registerer) *NonceService {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	issued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nonces_issued",
		Help: "Number of nonces issued",
	})
	stats.MustRegister(issued)
	redeemed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nonces_redeemed",
		Help: "Number of nonce redemption attempts, by outcome",
	}, []string{"result"})
	stats.MustRegister(redeemed)
	return &NonceService{
		store:    store,
		clk:      clk,
		ttl:      ttl,
		issued:   issued,
		redeemed: redeemed,
	}
}

// Nonce issues a fresh nonce, recording it in the store before it is handed
// to the client.
func (ns *NonceService) Nonce(ctx context.Context) (string, error) {
	var b [TokenBytes]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b[:])
	err = ns.store.AddNonce(ctx, token, ns.clk.Now())
	if err != nil {
		return "", err
	}
	ns.issued.Inc()
	return token, nil
}

// Redeem spends a nonce. It returns true exactly once per issued, unexpired
// token, no matter how many goroutines or frontends race on it.
func (ns *NonceService) Redeem(ctx context.Context, token string) (bool, error) {
	if len(token) == 0 {
		ns.redeemed.WithLabelValues("empty").Inc()
		return false, nil
	}
	earliest := ns.clk.Now().Add(-ns.ttl)
	ok, err := ns.store.ConsumeNonce(ctx, token, earliest)
	if err != nil {
		ns.redeemed.WithLabelValues("error").Inc()
		return false, err
	}
	if ok {
		ns.redeemed.WithLabelValues("accepted").Inc()
	} else {
		ns.redeemed.WithLabelValues("rejected").Inc()
	}
	return ok, nil
}

// SweepExpired removes nonces past their TTL. Meant to be run periodically.
func (ns *NonceService) SweepExpired(ctx context.Context) (int64, error) {
	return ns.store.DeleteExpiredNonces(ctx, ns.clk.Now().Add(-ns.ttl))
}
