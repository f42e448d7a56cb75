// Command petra-admin is the operator tool for a petra database: schema
// version checks, bulk export, and expired-record cleanup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"gopkg.in/yaml.v3"

	"github.com/petra-ca/petra/cmd"
	"github.com/petra-ca/petra/config"
	"github.com/petra-ca/petra/core"
	"github.com/petra-ca/petra/sa"
)

type adminConfig struct {
	Admin struct {
		Syslog cmd.SyslogConfig `json:"syslog"`

		DB struct {
			DSN          string `json:"dsn" validate:"required"`
			MaxOpenConns int    `json:"maxOpenConns"`
		} `json:"db"`

		// Retention is how long expired records are kept before sweep-expired
		// removes them.
		Retention config.Duration `json:"retention"`
	} `json:"admin"`
}

const usage = `usage: petra-admin --config <file> <subcommand>

subcommands:
  dbversion        print the database schema version and verify it
  export-accounts  write all accounts to stdout as YAML
  export-orders    write all orders to stdout as YAML
  sweep-expired    delete expired nonces, orders, authorizations, challenges
`

func main() {
	configFile := flag.String("config", "", "Path to the JSON configuration file")
	flag.Parse()
	if *configFile == "" || flag.NArg() != 1 {
		cmd.Fail(usage)
	}

	var c adminConfig
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "failed to read configuration")

	_, logger := cmd.StatsAndLogging(c.Admin.Syslog, "")
	clk := clock.New()
	ctx := context.Background()

	db, err := sa.NewDbMap(c.Admin.DB.DSN, sa.DBSettings{MaxOpenConns: c.Admin.DB.MaxOpenConns})
	cmd.FailOnError(err, "failed to connect to the database")
	storageAuthority, err := sa.NewSQLStorageAuthority(db, logger)
	cmd.FailOnError(err, "failed to initialize the storage authority")

	switch flag.Arg(0) {
	case "dbversion":
		version, err := storageAuthority.SchemaVersion(ctx)
		cmd.FailOnError(err, "failed to read schema version")
		fmt.Printf("schema version: %d\n", version)
	case "export-accounts":
		accounts, err := storageAuthority.AllAccounts(ctx)
		cmd.FailOnError(err, "failed to export accounts")
		exportYAML(accountExports(accounts))
	case "export-orders":
		orders, err := storageAuthority.AllOrders(ctx)
		cmd.FailOnError(err, "failed to export orders")
		exportYAML(orderExports(orders))
	case "sweep-expired":
		retention := c.Admin.Retention.Duration
		earliest := clk.Now().Add(-retention)
		swept, err := storageAuthority.SweepExpired(ctx, earliest)
		cmd.FailOnError(err, "failed to sweep expired records")
		fmt.Printf("swept %d expired records\n", swept)
	default:
		cmd.Fail(usage)
	}
}

// accountExport is the YAML row shape of an exported account.
type accountExport struct {
	ID        string    `yaml:"id"`
	Status    string    `yaml:"status"`
	Contact   []string  `yaml:"contact,omitempty"`
	CreatedAt time.Time `yaml:"createdAt"`
}

func accountExports(accounts []core.Account) []accountExport {
	out := make([]accountExport, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, accountExport{
			ID:        acct.ID,
			Status:    string(acct.Status),
			Contact:   acct.Contact,
			CreatedAt: acct.CreatedAt,
		})
	}
	return out
}

// orderExport is the YAML row shape of an exported order.
type orderExport struct {
	ID          string    `yaml:"id"`
	AccountID   string    `yaml:"accountID"`
	Status      string    `yaml:"status"`
	Expires     time.Time `yaml:"expires"`
	Identifiers []string  `yaml:"identifiers"`
	Certificate string    `yaml:"certificate,omitempty"`
}

func orderExports(orders []core.Order) []orderExport {
	out := make([]orderExport, 0, len(orders))
	for _, order := range orders {
		export := orderExport{
			ID:          order.ID,
			AccountID:   order.AccountID,
			Status:      string(order.Status),
			Expires:     order.Expires,
			Certificate: order.CertificateID,
		}
		for _, ident := range order.Identifiers {
			export.Identifiers = append(export.Identifiers, ident.Value)
		}
		out = append(out, export)
	}
	return out
}

func exportYAML(v interface{}) {
	encoder := yaml.NewEncoder(os.Stdout)
	defer encoder.Close()
	err := encoder.Encode(v)
	cmd.FailOnError(err, "failed to encode YAML")
}
