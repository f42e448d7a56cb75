// Command petra runs the ACME server: web front end, storage authority,
// validation authority and local CA in one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmhodges/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/petra-ca/petra/bdns"
	"github.com/petra-ca/petra/ca"
	"github.com/petra-ca/petra/cmd"
	"github.com/petra-ca/petra/config"
	"github.com/petra-ca/petra/core"
	"github.com/petra-ca/petra/goodkey"
	"github.com/petra-ca/petra/metrics/measured_http"
	"github.com/petra-ca/petra/nonce"
	"github.com/petra-ca/petra/policy"
	"github.com/petra-ca/petra/sa"
	"github.com/petra-ca/petra/va"
	"github.com/petra-ca/petra/wfe"
)

type mainConfig struct {
	Petra struct {
		ListenAddress string `json:"listenAddress" validate:"required"`
		DebugAddr     string `json:"debugAddr"`

		Syslog cmd.SyslogConfig `json:"syslog"`

		DB struct {
			DSN             string          `json:"dsn" validate:"required"`
			MaxOpenConns    int             `json:"maxOpenConns"`
			MaxIdleConns    int             `json:"maxIdleConns"`
			ConnMaxLifetime config.Duration `json:"connMaxLifetime"`
			ConnMaxIdleTime config.Duration `json:"connMaxIdleTime"`
		} `json:"db"`

		// Redis, when set, backs the nonce pool instead of the database.
		Redis *struct {
			Addrs    []string `json:"addrs" validate:"min=1"`
			Username string   `json:"username"`
			Password string   `json:"password"`
		} `json:"redis"`

		NonceTTL config.Duration `json:"nonceTTL"`

		DNS struct {
			Resolvers []string        `json:"resolvers" validate:"min=1"`
			Timeout   config.Duration `json:"timeout"`
			MaxTries  int             `json:"maxTries"`
		} `json:"dns"`

		Policy struct {
			Challenges     map[core.AcmeChallenge]bool `json:"challenges" validate:"min=1"`
			AllowWildcards bool                        `json:"allowWildcards"`
		} `json:"policy"`

		VA struct {
			QueueDir            string   `json:"queueDir" validate:"required"`
			MaxWorkers          int64    `json:"maxWorkers"`
			HTTPPort            int      `json:"httpPort"`
			TLSPort             int      `json:"tlsPort"`
			AccountURIPrefixes  []string `json:"accountURIPrefixes"`
			DNSAccount01Enabled bool     `json:"dnsAccount01Enabled"`
		} `json:"va"`

		CA struct {
			IssuerCertPath string          `json:"issuerCertPath" validate:"required"`
			IssuerKeyPath  string          `json:"issuerKeyPath" validate:"required"`
			Validity       config.Duration `json:"validity"`
			OCSPURL        string          `json:"ocspURL"`
			IssuerURL      string          `json:"issuerURL"`
			CRLURL         string          `json:"crlURL"`
			PolicyOIDs     []string        `json:"policyOIDs"`
			IgnoredLints   []string        `json:"ignoredLints"`
			Timeout        config.Duration `json:"timeout"`
		} `json:"ca"`

		WFE struct {
			SubscriberAgreementURL string          `json:"subscriberAgreementURL"`
			RequireToS             bool            `json:"requireToS"`
			WebsiteURL             string          `json:"websiteURL"`
			CAAIdentities          []string        `json:"caaIdentities"`
			OrderLifetime          config.Duration `json:"orderLifetime"`
			AuthzLifetime          config.Duration `json:"authzLifetime"`
			AccountCacheSize       int             `json:"accountCacheSize"`
			AccountCacheTTL        config.Duration `json:"accountCacheTTL"`
		} `json:"wfe"`
	} `json:"petra"`

	OpenTelemetry cmd.OpenTelemetryConfig `json:"openTelemetry"`
}

func main() {
	configFile := flag.String("config", "", "Path to the JSON configuration file")
	flag.Parse()
	if *configFile == "" {
		cmd.Fail("--config is required")
	}

	var c mainConfig
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "failed to read configuration")
	conf := c.Petra

	stats, logger := cmd.StatsAndLogging(conf.Syslog, conf.DebugAddr)
	shutdownTracing := cmd.NewOpenTelemetry(c.OpenTelemetry, logger)
	clk := clock.New()

	db, err := sa.NewDbMap(conf.DB.DSN, sa.DBSettings{
		MaxOpenConns:    conf.DB.MaxOpenConns,
		MaxIdleConns:    conf.DB.MaxIdleConns,
		ConnMaxLifetime: conf.DB.ConnMaxLifetime.Duration,
		ConnMaxIdleTime: conf.DB.ConnMaxIdleTime.Duration,
	})
	cmd.FailOnError(err, "failed to connect to the database")
	storageAuthority, err := sa.NewSQLStorageAuthority(db, logger)
	cmd.FailOnError(err, "failed to initialize the storage authority")

	nonceTTL := conf.NonceTTL.Duration
	var nonceStore nonce.Storage = storageAuthority
	if conf.Redis != nil {
		ttl := nonceTTL
		if ttl == 0 {
			ttl = nonce.DefaultTTL
		}
		nonceStore = nonce.NewRedisStorage(redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    conf.Redis.Addrs,
			Username: conf.Redis.Username,
			Password: conf.Redis.Password,
		}), ttl)
	}
	nonceService := nonce.NewNonceService(nonceStore, clk, nonceTTL, stats)

	dnsTimeout := conf.DNS.Timeout.Duration
	if dnsTimeout == 0 {
		dnsTimeout = 5 * time.Second
	}
	dnsTries := conf.DNS.MaxTries
	if dnsTries == 0 {
		dnsTries = 3
	}
	dnsClient, err := bdns.New(dnsTimeout, conf.DNS.Resolvers, stats, clk, dnsTries, logger)
	cmd.FailOnError(err, "failed to initialize the DNS client")

	pa, err := policy.New(conf.Policy.Challenges, conf.Policy.AllowWildcards, logger)
	cmd.FailOnError(err, "failed to initialize the policy authority")
	keyPolicy := goodkey.NewPolicy()

	validationAuthority, err := va.New(va.Config{
		QueueDir:            conf.VA.QueueDir,
		MaxWorkers:          conf.VA.MaxWorkers,
		HTTPPort:            conf.VA.HTTPPort,
		TLSPort:             conf.VA.TLSPort,
		AccountURIPrefixes:  conf.VA.AccountURIPrefixes,
		DNSAccount01Enabled: conf.VA.DNSAccount01Enabled,
	}, storageAuthority, dnsClient, stats, clk, logger)
	cmd.FailOnError(err, "failed to initialize the validation authority")
	validationAuthority.Start()

	certificateAuthority, err := ca.New(ca.Config{
		IssuerCertPath: conf.CA.IssuerCertPath,
		IssuerKeyPath:  conf.CA.IssuerKeyPath,
		Validity:       conf.CA.Validity.Duration,
		OCSPURL:        conf.CA.OCSPURL,
		IssuerURL:      conf.CA.IssuerURL,
		CRLURL:         conf.CA.CRLURL,
		PolicyOIDs:     conf.CA.PolicyOIDs,
		IgnoredLints:   conf.CA.IgnoredLints,
	}, stats, clk, logger)
	cmd.FailOnError(err, "failed to initialize the certificate authority")

	frontEnd, err := wfe.NewWebFrontEnd(wfe.Config{
		SubscriberAgreementURL: conf.WFE.SubscriberAgreementURL,
		RequireToS:             conf.WFE.RequireToS,
		WebsiteURL:             conf.WFE.WebsiteURL,
		CAAIdentities:          conf.WFE.CAAIdentities,
		OrderLifetime:          conf.WFE.OrderLifetime.Duration,
		AuthzLifetime:          conf.WFE.AuthzLifetime.Duration,
		CATimeout:              conf.CA.Timeout.Duration,
		AccountCacheSize:       conf.WFE.AccountCacheSize,
		AccountCacheTTL:        conf.WFE.AccountCacheTTL.Duration,
	}, storageAuthority, validationAuthority, certificateAuthority,
		nonceService, pa, keyPolicy, stats, clk, logger)
	cmd.FailOnError(err, "failed to initialize the web front end")

	handler := otelhttp.NewHandler(measured_http.New(frontEnd.Handler(), clk, stats), "petra")
	server := &http.Server{
		Addr:              conf.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		logger.Infof("listening on %s", conf.ListenAddress)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			cmd.FailOnError(err, "server failed")
		}
	}()

	cmd.CatchSignals(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		validationAuthority.Stop()
		shutdownTracing(ctx)
	})
}
