package wfe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/web"
)

// maxContacts bounds the contact list accepted at registration.
const maxContacts = 10

// newAccountRequest is the payload of a newAccount POST.
type newAccountRequest struct {
	Contact              []string `json:"contact"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
}

// accountView is the wire form of an account.
type accountView struct {
	Status  core.AcmeStatus  `json:"status"`
	Contact []string         `json:"contact,omitempty"`
	Key     *jose.JSONWebKey `json:"key"`
	Orders  string           `json:"orders"`
}

func (wfe *WebFrontEndImpl) accountView(r *http.Request, acct core.Account) accountView {
	return accountView{
		Status:  acct.Status,
		Contact: acct.Contact,
		Key:     acct.Key,
		Orders:  relativeEntityURL(r, acctPath, acct.ID+ordersSuffix),
	}
}

// validContacts checks registration contacts: mailto scheme only, RFC 5322
// shaped addresses, no hfields.
func (wfe *WebFrontEndImpl) validContacts(contacts []string) *probs.ProblemDetails {
	if len(contacts) == 0 {
		return probs.InvalidContact("at least one contact is required")
	}
	if len(contacts) > maxContacts {
		return probs.Malformed("too many contacts provided")
	}
	for _, contact := range contacts {
		if contact == "" {
			return probs.InvalidContact("empty contact")
		}
		if !strings.HasPrefix(contact, "mailto:") {
			return probs.UnsupportedContact("contact method " + contact + " is not supported; only mailto: is supported")
		}
		address := strings.TrimPrefix(contact, "mailto:")
		if strings.Contains(address, "?") {
			return probs.InvalidContact("contact email contains a question mark, parameter addresses are not allowed")
		}
		if !core.ValidEmail(address) {
			return probs.InvalidContact("contact email " + address + " is invalid")
		}
	}
	return nil
}

// NewAccount handles POST /acme/newaccount: registration, idempotent
// re-registration, and onlyReturnExisting lookup.
func (wfe *WebFrontEndImpl) NewAccount(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("unable to read request body"), err)
		return
	}
	payload, key, prob := wfe.validSelfAuthenticatedPOST(r.Context(), r, body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	var request newAccountRequest
	err = json.Unmarshal(payload, &request)
	if err != nil {
		wfe.sendError(w, event, probs.Malformed("error unmarshaling registration body"), err)
		return
	}

	err = wfe.keyPolicy.GoodKey(key.Key)
	if err != nil {
		wfe.sendError(w, event, probs.BadPublicKey("invalid account key: %s", err), err)
		return
	}

	thumbprint, err := core.Thumbprint(key)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to compute key thumbprint"), err)
		return
	}

	existing, err := wfe.sa.GetAccountByKey(r.Context(), thumbprint)
	if err == nil {
		// The key is already registered: idempotent re-registration.
		event.Requester = existing.ID
		w.Header().Set("Location", relativeEntityURL(r, acctPath, existing.ID))
		wfe.writeJSON(w, event, http.StatusOK, wfe.accountView(r, existing))
		return
	}
	if !errors.Is(err, berrors.NotFound) {
		wfe.sendError(w, event, probs.ServerInternal("failed to check for existing account"), err)
		return
	}

	if request.OnlyReturnExisting {
		wfe.sendError(w, event, probs.AccountDoesNotExist(
			"No account exists with the provided key"), nil)
		return
	}

	if wfe.requireToS && !request.TermsOfServiceAgreed {
		prob := probs.UserActionRequired("must agree to terms of service")
		if wfe.subscriberAgreementURL != "" {
			w.Header().Set("Link", link(wfe.subscriberAgreementURL, "terms-of-service"))
		}
		wfe.sendError(w, event, prob, nil)
		return
	}
	if prob := wfe.validContacts(request.Contact); prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	account := core.Account{
		ID:        core.NewName(),
		Key:       key,
		Contact:   request.Contact,
		Status:    core.StatusValid,
		CreatedAt: wfe.clk.Now(),
	}
	created, err := wfe.sa.NewAccount(r.Context(), account)
	if err != nil {
		if errors.Is(err, berrors.Duplicate) {
			// Lost a race with a concurrent registration of the same key; the
			// store handed back the winner.
			event.Requester = created.ID
			w.Header().Set("Location", relativeEntityURL(r, acctPath, created.ID))
			wfe.writeJSON(w, event, http.StatusOK, wfe.accountView(r, created))
			return
		}
		wfe.sendError(w, event, probs.ServerInternal("failed to create account"), err)
		return
	}
	event.Requester = created.ID
	w.Header().Set("Location", relativeEntityURL(r, acctPath, created.ID))
	wfe.writeJSON(w, event, http.StatusCreated, wfe.accountView(r, created))
}

// accountUpdateRequest is the payload of a POST to an account URL. The only
// recognized mutation is deactivation.
type accountUpdateRequest struct {
	Status  core.AcmeStatus `json:"status"`
	Contact []string        `json:"contact"`
}

// Account handles POST /acme/acct/{name}: POST-as-GET view, deactivation,
// contact update, and the order list at {name}/orders.
func (wfe *WebFrontEndImpl) Account(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("unable to read request body"), err)
		return
	}
	payload, account, prob := wfe.validPOSTForAccount(r.Context(), r, body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	event.Requester = account.ID

	slug := strings.TrimPrefix(r.URL.Path, acctPath)
	if name, found := strings.CutSuffix(slug, ordersSuffix); found {
		wfe.accountOrders(event, w, r, account, name, payload)
		return
	}
	if slug != account.ID {
		// Requests must be signed by the account they address.
		wfe.sendError(w, event, probs.Unauthorized(
			"Request signing key did not match account key"), nil)
		return
	}

	// POST-as-GET returns the current view.
	if len(payload) == 0 {
		wfe.writeJSON(w, event, http.StatusOK, wfe.accountView(r, account))
		return
	}

	var update accountUpdateRequest
	err = json.Unmarshal(payload, &update)
	if err != nil {
		wfe.sendError(w, event, probs.Malformed("error unmarshaling account update"), err)
		return
	}

	switch {
	case update.Status == core.StatusDeactivated:
		err = wfe.sa.UpdateAccountStatus(r.Context(), account.ID, core.StatusDeactivated)
		if err != nil {
			wfe.sendError(w, event, web.ProblemDetailsForError(err, "failed to deactivate account"), err)
			return
		}
		if wfe.accountCache != nil {
			wfe.accountCache.Remove(account.ID)
		}
		account.Status = core.StatusDeactivated
		wfe.writeJSON(w, event, http.StatusOK, wfe.accountView(r, account))
	case update.Status != "" && update.Status != account.Status:
		wfe.sendError(w, event, probs.Malformed(
			"invalid value provided for status field"), nil)
	case update.Contact != nil:
		if prob := wfe.validContacts(update.Contact); prob != nil {
			wfe.sendError(w, event, prob, nil)
			return
		}
		account.Contact = update.Contact
		// Contact changes only live in the account record.
		updated, err := wfe.updateAccountContact(r.Context(), account)
		if err != nil {
			wfe.sendError(w, event, probs.ServerInternal("failed to update account"), err)
			return
		}
		wfe.writeJSON(w, event, http.StatusOK, wfe.accountView(r, updated))
	default:
		wfe.sendError(w, event, probs.Malformed("no recognized account mutation in payload"), nil)
	}
}

// updateAccountContact persists a contact change by re-reading and writing
// through the storage authority.
func (wfe *WebFrontEndImpl) updateAccountContact(ctx context.Context, account core.Account) (core.Account, error) {
	if wfe.accountCache != nil {
		wfe.accountCache.Remove(account.ID)
	}
	return wfe.sa.UpdateAccountContact(ctx, account.ID, account.Contact)
}

// accountOrders serves the order list referenced by the account object.
func (wfe *WebFrontEndImpl) accountOrders(event *web.RequestEvent, w http.ResponseWriter, r *http.Request, account core.Account, name string, payload []byte) {
	if len(payload) != 0 {
		wfe.sendError(w, event, probs.Malformed("POST-as-GET requests must have an empty payload"), nil)
		return
	}
	if name != account.ID {
		wfe.sendError(w, event, probs.Unauthorized(
			"Request signing key did not match account key"), nil)
		return
	}
	orders, err := wfe.sa.GetOrdersByAccount(r.Context(), account.ID)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to retrieve orders"), err)
		return
	}
	urls := make([]string, 0, len(orders))
	for _, order := range orders {
		urls = append(urls, relativeEntityURL(r, orderPath, order.ID))
	}
	wfe.writeJSON(w, event, http.StatusOK, map[string][]string{"orders": urls})
}

// KeyRollover handles POST /acme/key-change: replace the account key after
// verifying the inner JWS signed by the new key.
func (wfe *WebFrontEndImpl) KeyRollover(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("unable to read request body"), err)
		return
	}
	outerPayload, account, prob := wfe.validPOSTForAccount(r.Context(), r, body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	event.Requester = account.ID

	newKey, prob := wfe.validKeyRollover(r, outerPayload, account)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	err = wfe.keyPolicy.GoodKey(newKey.Key)
	if err != nil {
		wfe.sendError(w, event, probs.BadPublicKey("invalid new account key: %s", err), err)
		return
	}

	thumbprint, err := core.Thumbprint(newKey)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to compute key thumbprint"), err)
		return
	}
	if existing, err := wfe.sa.GetAccountByKey(r.Context(), thumbprint); err == nil {
		prob := probs.Malformed("New key is already in use by account " + existing.ID)
		prob.HTTPStatus = http.StatusConflict
		w.Header().Set("Location", relativeEntityURL(r, acctPath, existing.ID))
		wfe.sendError(w, event, prob, nil)
		return
	}

	updated, err := wfe.sa.UpdateAccountKey(r.Context(), account.ID, newKey)
	if err != nil {
		wfe.sendError(w, event, web.ProblemDetailsForError(err, "failed to change account key"), err)
		return
	}
	if wfe.accountCache != nil {
		wfe.accountCache.Remove(account.ID)
	}
	wfe.writeJSON(w, event, http.StatusOK, wfe.accountView(r, updated))
}
