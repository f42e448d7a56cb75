// Package sa provides the MySQL-backed implementation of the storage
// authority interface. Entities are keyed by random URL-safe names; all
// status transitions that matter for correctness are guarded here with
// conditional UPDATEs so that terminal states are never overwritten, no
// matter how the callers race.
package sa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/letsencrypt/borp"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	blog "github.com/petra-ca/petra/log"
)

// schemaVersion is the schema this code expects. Startup fails loudly on a
// mismatch rather than limping along against the wrong tables.
const schemaVersion = 1

// SQLStorageAuthority implements core.StorageAuthority against a borp DbMap.
type SQLStorageAuthority struct {
	dbMap *borp.DbMap
	log   blog.Logger
}

var _ core.StorageAuthority = (*SQLStorageAuthority)(nil)

// NewSQLStorageAuthority builds a storage authority over the given database
// handle and verifies the schema version before returning.
func NewSQLStorageAuthority(db *sql.DB, logger blog.Logger) (*SQLStorageAuthority, error) {
	dbMap := &borp.DbMap{
		Db:      db,
		Dialect: borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"},
	}
	initTables(dbMap)

	ssa := &SQLStorageAuthority{
		dbMap: dbMap,
		log:   logger,
	}
	err := ssa.checkSchemaVersion(context.Background())
	if err != nil {
		return nil, err
	}
	return ssa, nil
}

func initTables(dbMap *borp.DbMap) {
	dbMap.AddTableWithName(accountModel{}, "accounts").SetKeys(false, "ID")
	dbMap.AddTableWithName(orderModel{}, "orders").SetKeys(false, "ID")
	dbMap.AddTableWithName(authzModel{}, "authz").SetKeys(false, "ID")
	dbMap.AddTableWithName(challengeModel{}, "challenges").SetKeys(false, "ID")
	dbMap.AddTableWithName(certificateModel{}, "certificates").SetKeys(false, "ID")
	dbMap.AddTableWithName(nonceModel{}, "nonces").SetKeys(false, "ID")
	dbMap.AddTableWithName(schemaVersionModel{}, "schemaVersion").SetKeys(false, "ID")
}

func (ssa *SQLStorageAuthority) checkSchemaVersion(ctx context.Context) error {
	var model schemaVersionModel
	err := ssa.dbMap.SelectOne(ctx, &model, "SELECT id, version FROM schemaVersion WHERE id = 1")
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if model.Version != schemaVersion {
		return fmt.Errorf("schema version mismatch: database has %d, this binary needs %d",
			model.Version, schemaVersion)
	}
	return nil
}

// SchemaVersion returns the version stored in the database, for operator
// tooling.
func (ssa *SQLStorageAuthority) SchemaVersion(ctx context.Context) (int64, error) {
	var model schemaVersionModel
	err := ssa.dbMap.SelectOne(ctx, &model, "SELECT id, version FROM schemaVersion WHERE id = 1")
	if err != nil {
		return 0, err
	}
	return model.Version, nil
}

// withTransaction runs f inside a transaction and commits if it returns nil.
func (ssa *SQLStorageAuthority) withTransaction(ctx context.Context, f func(tx *borp.Transaction) error) error {
	tx, err := ssa.dbMap.BeginTx(ctx)
	if err != nil {
		return err
	}
	err = f(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Accounts

func (ssa *SQLStorageAuthority) NewAccount(ctx context.Context, acct core.Account) (core.Account, error) {
	model, err := accountToModel(acct)
	if err != nil {
		return core.Account{}, err
	}
	err = ssa.dbMap.Insert(ctx, &model)
	if err != nil {
		if isDuplicateErr(err) {
			// Two concurrent registrations with the same key. The unique index
			// on thumbprint makes one of them lose; the loser returns the row
			// the winner created, which is the idempotent-registration answer.
			existing, lookupErr := ssa.GetAccountByKey(ctx, model.Thumbprint)
			if lookupErr != nil {
				return core.Account{}, lookupErr
			}
			return existing, berrors.DuplicateError("account with this key already exists: %s", existing.ID)
		}
		return core.Account{}, err
	}
	return modelToAccount(model)
}

func (ssa *SQLStorageAuthority) GetAccount(ctx context.Context, id string) (core.Account, error) {
	var model accountModel
	err := ssa.dbMap.SelectOne(ctx, &model,
		"SELECT * FROM accounts WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Account{}, berrors.NotFoundError("no account with ID %q", id)
		}
		return core.Account{}, err
	}
	return modelToAccount(model)
}

func (ssa *SQLStorageAuthority) GetAccountByKey(ctx context.Context, thumbprint string) (core.Account, error) {
	var model accountModel
	err := ssa.dbMap.SelectOne(ctx, &model,
		"SELECT * FROM accounts WHERE thumbprint = ? AND status != ?",
		thumbprint, string(core.StatusDeactivated))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Account{}, berrors.NotFoundError("no account with key thumbprint %q", thumbprint)
		}
		return core.Account{}, err
	}
	return modelToAccount(model)
}

func (ssa *SQLStorageAuthority) UpdateAccountStatus(ctx context.Context, id string, status core.AcmeStatus) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE accounts SET status = ? WHERE id = ? AND status = ?",
		string(status), id, string(core.StatusValid))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return berrors.NotFoundError("no valid account with ID %q", id)
	}
	return nil
}

func (ssa *SQLStorageAuthority) UpdateAccountContact(ctx context.Context, id string, contact []string) (core.Account, error) {
	contactJSON, err := core.MarshalContact(contact)
	if err != nil {
		return core.Account{}, err
	}
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE accounts SET contact = ? WHERE id = ? AND status = ?",
		contactJSON, id, string(core.StatusValid))
	if err != nil {
		return core.Account{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return core.Account{}, err
	}
	if affected == 0 {
		return core.Account{}, berrors.NotFoundError("no valid account with ID %q", id)
	}
	return ssa.GetAccount(ctx, id)
}

func (ssa *SQLStorageAuthority) UpdateAccountKey(ctx context.Context, id string, key *jose.JSONWebKey) (core.Account, error) {
	jwkJSON, err := key.MarshalJSON()
	if err != nil {
		return core.Account{}, err
	}
	thumbprint, err := core.Thumbprint(key)
	if err != nil {
		return core.Account{}, err
	}
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE accounts SET jwk = ?, thumbprint = ? WHERE id = ? AND status = ?",
		jwkJSON, thumbprint, id, string(core.StatusValid))
	if err != nil {
		if isDuplicateErr(err) {
			return core.Account{}, berrors.DuplicateError("new key is already in use")
		}
		return core.Account{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return core.Account{}, err
	}
	if affected == 0 {
		return core.Account{}, berrors.NotFoundError("no valid account with ID %q", id)
	}
	return ssa.GetAccount(ctx, id)
}

// Orders

func (ssa *SQLStorageAuthority) NewOrder(ctx context.Context, order core.Order, authzs []core.Authorization, challs []core.Challenge) (core.Order, error) {
	orderM, err := orderToModel(order)
	if err != nil {
		return core.Order{}, err
	}
	challMs := make([]*challengeModel, 0, len(challs))
	for _, chall := range challs {
		m, err := challengeToModel(chall)
		if err != nil {
			return core.Order{}, err
		}
		challMs = append(challMs, &m)
	}
	err = ssa.withTransaction(ctx, func(tx *borp.Transaction) error {
		err := tx.Insert(ctx, &orderM)
		if err != nil {
			return err
		}
		for _, authz := range authzs {
			m := authzToModel(authz)
			err = tx.Insert(ctx, &m)
			if err != nil {
				return err
			}
		}
		for _, m := range challMs {
			err = tx.Insert(ctx, m)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return core.Order{}, err
	}
	return ssa.GetOrder(ctx, order.ID)
}

func (ssa *SQLStorageAuthority) GetOrder(ctx context.Context, id string) (core.Order, error) {
	var model orderModel
	err := ssa.dbMap.SelectOne(ctx, &model,
		"SELECT * FROM orders WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Order{}, berrors.NotFoundError("no order with ID %q", id)
		}
		return core.Order{}, err
	}
	order, err := modelToOrder(model)
	if err != nil {
		return core.Order{}, err
	}
	order.AuthzIDs, err = ssa.authzIDsForOrder(ctx, id)
	if err != nil {
		return core.Order{}, err
	}
	return order, nil
}

func (ssa *SQLStorageAuthority) authzIDsForOrder(ctx context.Context, orderID string) ([]string, error) {
	var ids []string
	_, err := ssa.dbMap.Select(ctx, &ids,
		"SELECT id FROM authz WHERE orderID = ? ORDER BY id", orderID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (ssa *SQLStorageAuthority) GetOrdersByAccount(ctx context.Context, accountID string) ([]core.Order, error) {
	var models []orderModel
	_, err := ssa.dbMap.Select(ctx, &models,
		"SELECT * FROM orders WHERE accountID = ? ORDER BY expires", accountID)
	if err != nil {
		return nil, err
	}
	return ssa.ordersFromModels(ctx, models)
}

func (ssa *SQLStorageAuthority) GetOrdersByStatus(ctx context.Context, status core.AcmeStatus) ([]core.Order, error) {
	var models []orderModel
	_, err := ssa.dbMap.Select(ctx, &models,
		"SELECT * FROM orders WHERE status = ? ORDER BY expires", string(status))
	if err != nil {
		return nil, err
	}
	return ssa.ordersFromModels(ctx, models)
}

func (ssa *SQLStorageAuthority) ordersFromModels(ctx context.Context, models []orderModel) ([]core.Order, error) {
	orders := make([]core.Order, 0, len(models))
	for _, model := range models {
		order, err := modelToOrder(model)
		if err != nil {
			return nil, err
		}
		order.AuthzIDs, err = ssa.authzIDsForOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (ssa *SQLStorageAuthority) FinalizeOrder(ctx context.Context, id string, csr []byte) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET status = ?, csr = ? WHERE id = ? AND status = ?",
		string(core.StatusProcessing), csr, id, string(core.StatusReady))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return berrors.OrderNotReadyError("order %q is not ready for finalization", id)
	}
	return nil
}

func (ssa *SQLStorageAuthority) SetOrderProcessed(ctx context.Context, id string, status core.AcmeStatus, certID string, prob []byte) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET status = ?, certificateID = ?, error = ? WHERE id = ? AND status = ?",
		string(status), certID, prob, id, string(core.StatusProcessing))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return berrors.NotFoundError("no processing order with ID %q", id)
	}
	return nil
}

func (ssa *SQLStorageAuthority) UpdateOrderStatus(ctx context.Context, id string, status core.AcmeStatus) error {
	// Valid and invalid are terminal. The guard keeps a late cascade from
	// clobbering an order that has already finished.
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET status = ? WHERE id = ? AND status NOT IN (?, ?)",
		string(status), id, string(core.StatusValid), string(core.StatusInvalid))
	if err != nil {
		return err
	}
	_, err = result.RowsAffected()
	return err
}

// Authorizations

func (ssa *SQLStorageAuthority) GetAuthorization(ctx context.Context, id string) (core.Authorization, error) {
	var model authzModel
	err := ssa.dbMap.SelectOne(ctx, &model,
		"SELECT * FROM authz WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Authorization{}, berrors.NotFoundError("no authorization with ID %q", id)
		}
		return core.Authorization{}, err
	}
	authz := modelToAuthz(model)
	authz.ChallengeIDs, err = ssa.challengeIDsForAuthz(ctx, id)
	if err != nil {
		return core.Authorization{}, err
	}
	return authz, nil
}

func (ssa *SQLStorageAuthority) challengeIDsForAuthz(ctx context.Context, authzID string) ([]string, error) {
	var ids []string
	_, err := ssa.dbMap.Select(ctx, &ids,
		"SELECT id FROM challenges WHERE authzID = ? ORDER BY id", authzID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (ssa *SQLStorageAuthority) GetAuthorizationsByOrder(ctx context.Context, orderID string) ([]core.Authorization, error) {
	var models []authzModel
	_, err := ssa.dbMap.Select(ctx, &models,
		"SELECT * FROM authz WHERE orderID = ? ORDER BY id", orderID)
	if err != nil {
		return nil, err
	}
	authzs := make([]core.Authorization, 0, len(models))
	for _, model := range models {
		authz := modelToAuthz(model)
		authz.ChallengeIDs, err = ssa.challengeIDsForAuthz(ctx, authz.ID)
		if err != nil {
			return nil, err
		}
		authzs = append(authzs, authz)
	}
	return authzs, nil
}

func (ssa *SQLStorageAuthority) UpdateAuthorizationStatus(ctx context.Context, id string, status core.AcmeStatus) error {
	// Terminal states never change, and a validated authorization only moves
	// to deactivated: a late validation failure must not undo an earlier
	// success, so an invalid write against a valid row is discarded.
	query := "UPDATE authz SET status = ? WHERE id = ? AND status NOT IN (?, ?, ?)"
	args := []interface{}{
		string(status), id,
		string(core.StatusInvalid), string(core.StatusDeactivated), string(core.StatusRevoked),
	}
	if status == core.StatusInvalid {
		query = "UPDATE authz SET status = ? WHERE id = ? AND status NOT IN (?, ?, ?, ?)"
		args = append(args, string(core.StatusValid))
	}
	result, err := ssa.dbMap.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	_, err = result.RowsAffected()
	return err
}

// Challenges

func (ssa *SQLStorageAuthority) GetChallenge(ctx context.Context, id string) (core.Challenge, error) {
	var model challengeModel
	err := ssa.dbMap.SelectOne(ctx, &model,
		"SELECT * FROM challenges WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Challenge{}, berrors.NotFoundError("no challenge with ID %q", id)
		}
		return core.Challenge{}, err
	}
	return modelToChallenge(model)
}

func (ssa *SQLStorageAuthority) GetChallengesByAuthorization(ctx context.Context, authzID string) ([]core.Challenge, error) {
	var models []challengeModel
	_, err := ssa.dbMap.Select(ctx, &models,
		"SELECT * FROM challenges WHERE authzID = ? ORDER BY id", authzID)
	if err != nil {
		return nil, err
	}
	challs := make([]core.Challenge, 0, len(models))
	for _, model := range models {
		chall, err := modelToChallenge(model)
		if err != nil {
			return nil, err
		}
		challs = append(challs, chall)
	}
	return challs, nil
}

func (ssa *SQLStorageAuthority) UpdateChallenge(ctx context.Context, chall core.Challenge) error {
	model, err := challengeToModel(chall)
	if err != nil {
		return err
	}
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE challenges SET status = ?, error = ?, validated = ? WHERE id = ? AND status IN (?, ?)",
		model.Status, model.Error, model.Validated, model.ID,
		string(core.StatusPending), string(core.StatusProcessing))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// The challenge already reached a terminal status. The late result is
		// discarded rather than treated as an error.
		ssa.log.Infof("discarding late result for challenge %s", chall.ID)
	}
	return nil
}

// Certificates

func (ssa *SQLStorageAuthority) NewCertificate(ctx context.Context, cert core.Certificate) (core.Certificate, error) {
	model := certificateToModel(cert)
	err := ssa.dbMap.Insert(ctx, &model)
	if err != nil {
		return core.Certificate{}, err
	}
	return modelToCertificate(model), nil
}

func (ssa *SQLStorageAuthority) GetCertificate(ctx context.Context, id string) (core.Certificate, error) {
	var model certificateModel
	err := ssa.dbMap.SelectOne(ctx, &model,
		"SELECT * FROM certificates WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Certificate{}, berrors.NotFoundError("no certificate with ID %q", id)
		}
		return core.Certificate{}, err
	}
	return modelToCertificate(model), nil
}

func (ssa *SQLStorageAuthority) GetCertificateByDER(ctx context.Context, der []byte) (core.Certificate, error) {
	var model certificateModel
	err := ssa.dbMap.SelectOne(ctx, &model,
		"SELECT * FROM certificates WHERE der = ?", der)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Certificate{}, berrors.NotFoundError("no certificate matching the provided DER")
		}
		return core.Certificate{}, err
	}
	return modelToCertificate(model), nil
}

func (ssa *SQLStorageAuthority) RevokeCertificate(ctx context.Context, id string, reason core.RevocationCode, revokedAt time.Time) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE certificates SET revoked = true, revokedReason = ?, revokedAt = ? WHERE id = ? AND revoked = false",
		int64(reason), revokedAt, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var model certificateModel
		err := ssa.dbMap.SelectOne(ctx, &model,
			"SELECT * FROM certificates WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			return berrors.NotFoundError("no certificate with ID %q", id)
		} else if err != nil {
			return err
		}
		return berrors.AlreadyRevokedError("certificate %q is already revoked", id)
	}
	return nil
}

// Admin queries. These are not part of core.StorageAuthority; only the
// operator tooling reaches them.

// AllAccounts returns every stored account, for bulk export.
func (ssa *SQLStorageAuthority) AllAccounts(ctx context.Context) ([]core.Account, error) {
	var models []accountModel
	_, err := ssa.dbMap.Select(ctx, &models, "SELECT * FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	accounts := make([]core.Account, 0, len(models))
	for _, model := range models {
		acct, err := modelToAccount(model)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// AllOrders returns every stored order, for bulk export.
func (ssa *SQLStorageAuthority) AllOrders(ctx context.Context) ([]core.Order, error) {
	var models []orderModel
	_, err := ssa.dbMap.Select(ctx, &models, "SELECT * FROM orders ORDER BY id")
	if err != nil {
		return nil, err
	}
	return ssa.ordersFromModels(ctx, models)
}

// SweepExpired deletes expired nonces, plus non-valid orders (and their
// authorizations and challenges) that expired before earliest. Valid orders
// are kept so issued certificates stay traceable.
func (ssa *SQLStorageAuthority) SweepExpired(ctx context.Context, earliest time.Time) (int64, error) {
	var swept int64
	err := ssa.withTransaction(ctx, func(tx *borp.Transaction) error {
		result, err := tx.ExecContext(ctx,
			"DELETE c FROM challenges c JOIN authz a ON c.authzID = a.id JOIN orders o ON a.orderID = o.id WHERE o.expires <= ? AND o.status != ?",
			earliest, string(core.StatusValid))
		if err != nil {
			return err
		}
		n, _ := result.RowsAffected()
		swept += n

		result, err = tx.ExecContext(ctx,
			"DELETE a FROM authz a JOIN orders o ON a.orderID = o.id WHERE o.expires <= ? AND o.status != ?",
			earliest, string(core.StatusValid))
		if err != nil {
			return err
		}
		n, _ = result.RowsAffected()
		swept += n

		result, err = tx.ExecContext(ctx,
			"DELETE FROM orders WHERE expires <= ? AND status != ?",
			earliest, string(core.StatusValid))
		if err != nil {
			return err
		}
		n, _ = result.RowsAffected()
		swept += n

		result, err = tx.ExecContext(ctx,
			"DELETE FROM nonces WHERE created <= ?", earliest)
		if err != nil {
			return err
		}
		n, _ = result.RowsAffected()
		swept += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

// Nonces

func (ssa *SQLStorageAuthority) AddNonce(ctx context.Context, token string, created time.Time) error {
	model := nonceModel{ID: token, Created: created}
	return ssa.dbMap.Insert(ctx, &model)
}

func (ssa *SQLStorageAuthority) ConsumeNonce(ctx context.Context, token string, earliest time.Time) (bool, error) {
	// The DELETE is the linearization point. Exactly one concurrent consumer
	// of the same token observes rows-affected == 1.
	result, err := ssa.dbMap.ExecContext(ctx,
		"DELETE FROM nonces WHERE id = ? AND created > ?", token, earliest)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (ssa *SQLStorageAuthority) DeleteExpiredNonces(ctx context.Context, earliest time.Time) (int64, error) {
	result, err := ssa.dbMap.ExecContext(ctx,
		"DELETE FROM nonces WHERE created <= ?", earliest)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
