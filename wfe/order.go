package wfe

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petra-ca/petra/core"
	"github.com/petra-ca/petra/csr"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/web"
)

// newOrderRequest is the payload of a newOrder POST.
type newOrderRequest struct {
	Identifiers []identifier.ACMEIdentifier `json:"identifiers"`
	NotBefore   string                      `json:"notBefore,omitempty"`
	NotAfter    string                      `json:"notAfter,omitempty"`
}

// finalizeRequest is the payload POSTed to an order's finalize URL.
type finalizeRequest struct {
	CSR string `json:"csr"`
}

// orderView is the wire form of an order. The status field carries the
// derived status, not the raw stored one.
type orderView struct {
	Status         core.AcmeStatus             `json:"status"`
	Expires        time.Time                   `json:"expires"`
	Identifiers    []identifier.ACMEIdentifier `json:"identifiers"`
	NotBefore      string                      `json:"notBefore,omitempty"`
	NotAfter       string                      `json:"notAfter,omitempty"`
	Error          *probs.ProblemDetails       `json:"error,omitempty"`
	Authorizations []string                    `json:"authorizations"`
	Finalize       string                      `json:"finalize"`
	Certificate    string                      `json:"certificate,omitempty"`
}

func (wfe *WebFrontEndImpl) orderView(r *http.Request, order core.Order, status core.AcmeStatus) orderView {
	view := orderView{
		Status:      status,
		Expires:     order.Expires,
		Identifiers: order.Identifiers,
		Error:       order.Error,
		Finalize:    relativeEntityURL(r, orderPath, order.ID+finalizeSuffix),
	}
	if !order.NotBefore.IsZero() {
		view.NotBefore = order.NotBefore.UTC().Format(time.RFC3339)
	}
	if !order.NotAfter.IsZero() {
		view.NotAfter = order.NotAfter.UTC().Format(time.RFC3339)
	}
	for _, authzID := range order.AuthzIDs {
		view.Authorizations = append(view.Authorizations, relativeEntityURL(r, authzPath, authzID))
	}
	if order.CertificateID != "" {
		view.Certificate = relativeEntityURL(r, certPath, order.CertificateID)
	}
	return view
}

// deriveOrderStatus computes the order's effective status from its stored
// status, its expiry, and its authorizations. Stored processing, valid and
// invalid are authoritative; pending and ready are recomputed on every read.
func (wfe *WebFrontEndImpl) deriveOrderStatus(r *http.Request, order core.Order) (core.AcmeStatus, *probs.ProblemDetails) {
	switch order.Status {
	case core.StatusProcessing, core.StatusValid, core.StatusInvalid:
		return order.Status, nil
	}
	if wfe.clk.Now().After(order.Expires) {
		return core.StatusInvalid, nil
	}

	authzs, err := wfe.sa.GetAuthorizationsByOrder(r.Context(), order.ID)
	if err != nil {
		return core.StatusUnknown, probs.ServerInternal("failed to retrieve order authorizations")
	}
	allValid := len(authzs) > 0
	for _, authz := range authzs {
		switch wfe.deriveAuthzStatus(authz) {
		case core.StatusValid:
		case core.StatusPending:
			allValid = false
		default:
			// invalid, deactivated, expired or revoked: the order can never
			// complete.
			return core.StatusInvalid, nil
		}
	}
	if allValid {
		return core.StatusReady, nil
	}
	return core.StatusPending, nil
}

// NewOrder handles POST /acme/neworders: create an order with one pending
// authorization per identifier.
func (wfe *WebFrontEndImpl) NewOrder(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
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

	var request newOrderRequest
	err = json.Unmarshal(payload, &request)
	if err != nil {
		wfe.sendError(w, event, probs.Malformed("error unmarshaling newOrder request body"), err)
		return
	}

	idents := make([]identifier.ACMEIdentifier, 0, len(request.Identifiers))
	for _, ident := range request.Identifiers {
		idents = append(idents, identifier.ACMEIdentifier{
			Type:  ident.Type,
			Value: strings.ToLower(ident.Value),
		})
	}
	err = wfe.pa.WillingToIssue(idents)
	if err != nil {
		wfe.sendError(w, event, web.ProblemDetailsForError(err, "invalid identifiers in newOrder request"), err)
		return
	}

	notBefore, notAfter, prob := parseValidityBounds(request.NotBefore, request.NotAfter)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	now := wfe.clk.Now()
	order := core.Order{
		ID:          core.NewName(),
		AccountID:   account.ID,
		Status:      core.StatusPending,
		Expires:     now.Add(wfe.orderLifetime),
		Identifiers: idents,
		NotBefore:   notBefore,
		NotAfter:    notAfter,
	}

	var authzs []core.Authorization
	var challs []core.Challenge
	for _, ident := range idents {
		authz := core.Authorization{
			ID:         core.NewName(),
			OrderID:    order.ID,
			AccountID:  account.ID,
			Identifier: ident,
			Status:     core.StatusPending,
			Expires:    now.Add(wfe.authzLifetime),
		}
		challTypes, err := wfe.pa.ChallengeTypesFor(ident)
		if err != nil {
			wfe.sendError(w, event, web.ProblemDetailsForError(err, "no challenge types available"), err)
			return
		}
		for _, challType := range challTypes {
			challs = append(challs, core.Challenge{
				ID:      core.NewName(),
				AuthzID: authz.ID,
				Type:    challType,
				Status:  core.StatusPending,
				Token:   core.NewToken(),
			})
		}
		authzs = append(authzs, authz)
	}

	order, err = wfe.sa.NewOrder(r.Context(), order, authzs, challs)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to store order"), err)
		return
	}

	w.Header().Set("Location", relativeEntityURL(r, orderPath, order.ID))
	wfe.writeJSON(w, event, http.StatusCreated, wfe.orderView(r, order, core.StatusPending))
}

// parseValidityBounds parses the optional notBefore/notAfter strings of a
// newOrder request as RFC 3339 timestamps.
func parseValidityBounds(notBeforeStr, notAfterStr string) (time.Time, time.Time, *probs.ProblemDetails) {
	var notBefore, notAfter time.Time
	var err error
	if notBeforeStr != "" {
		notBefore, err = time.Parse(time.RFC3339, notBeforeStr)
		if err != nil {
			return time.Time{}, time.Time{}, probs.Malformed("notBefore is not a valid RFC 3339 timestamp")
		}
	}
	if notAfterStr != "" {
		notAfter, err = time.Parse(time.RFC3339, notAfterStr)
		if err != nil {
			return time.Time{}, time.Time{}, probs.Malformed("notAfter is not a valid RFC 3339 timestamp")
		}
	}
	if !notBefore.IsZero() && !notAfter.IsZero() && notAfter.Before(notBefore) {
		return time.Time{}, time.Time{}, probs.Malformed("notAfter is before notBefore")
	}
	return notBefore, notAfter, nil
}

// Order handles POST /acme/order/{name} (POST-as-GET view) and
// POST /acme/order/{name}/finalize.
func (wfe *WebFrontEndImpl) Order(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, orderPath)
	if name, found := strings.CutSuffix(slug, finalizeSuffix); found {
		wfe.finalizeOrder(event, w, r, name)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("unable to read request body"), err)
		return
	}
	account, prob := wfe.validPOSTAsGETForAccount(r.Context(), r, body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	event.Requester = account.ID

	order, prob := wfe.orderForAccount(r, slug, account)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	status, prob := wfe.deriveOrderStatus(r, order)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	if status == core.StatusProcessing {
		if done := wfe.pollProcessingOrder(r.Context(), &order); done {
			status = order.Status
		}
	}

	w.Header().Set("Location", relativeEntityURL(r, orderPath, order.ID))
	wfe.writeJSON(w, event, http.StatusOK, wfe.orderView(r, order, status))
}

// pollProcessingOrder asks the CA whether an asynchronous enrollment has
// finished. It returns true when the order reached a terminal state and
// order has been refreshed.
func (wfe *WebFrontEndImpl) pollProcessingOrder(ctx context.Context, order *core.Order) bool {
	caCtx, cancel := wfe.caContext()
	defer cancel()
	chainPEM, err := wfe.ca.Poll(caCtx, order.ID)
	if err != nil {
		wfe.log.Warningf("polling CA for order %s: %s", order.ID, err)
		return false
	}
	if chainPEM == nil {
		// Still pending at the CA.
		return false
	}
	err = wfe.completeOrder(ctx, *order, chainPEM)
	if err != nil {
		wfe.log.Errf("completing polled order %s: %s", order.ID, err)
		return false
	}
	refreshed, err := wfe.sa.GetOrder(ctx, order.ID)
	if err != nil {
		return false
	}
	*order = refreshed
	return true
}

// orderForAccount fetches an order and checks the requesting account owns it.
func (wfe *WebFrontEndImpl) orderForAccount(r *http.Request, name string, account core.Account) (core.Order, *probs.ProblemDetails) {
	if name == "" || strings.Contains(name, "/") {
		return core.Order{}, probs.NotFound("Order not found")
	}
	order, err := wfe.sa.GetOrder(r.Context(), name)
	if err != nil {
		if errors.Is(err, berrors.NotFound) {
			return core.Order{}, probs.NotFound("Order not found")
		}
		return core.Order{}, probs.ServerInternal("failed to retrieve order")
	}
	if order.AccountID != account.ID {
		return core.Order{}, probs.Unauthorized("Account does not own this order")
	}
	return order, nil
}

// finalizeOrder handles the CSR POST that moves a ready order to processing
// and kicks off enrollment.
func (wfe *WebFrontEndImpl) finalizeOrder(event *web.RequestEvent, w http.ResponseWriter, r *http.Request, name string) {
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

	order, prob := wfe.orderForAccount(r, name, account)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	status, prob := wfe.deriveOrderStatus(r, order)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	if status != core.StatusReady {
		wfe.sendError(w, event, probs.OrderNotReady(
			"Order's status (%q) is not acceptable for finalization", status), nil)
		return
	}

	var request finalizeRequest
	err = json.Unmarshal(payload, &request)
	if err != nil {
		wfe.sendError(w, event, probs.Malformed("error unmarshaling finalize request body"), err)
		return
	}
	csrDER, err := core.B64dec(request.CSR)
	if err != nil {
		wfe.sendError(w, event, probs.Malformed("error decoding certificate request: not base64url encoded"), err)
		return
	}
	certificateRequest, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		wfe.sendError(w, event, probs.BadCSR("error parsing certificate request: %s", err), err)
		return
	}
	err = csr.VerifyCSR(certificateRequest, &order, &wfe.keyPolicy)
	if err != nil {
		wfe.sendError(w, event, web.ProblemDetailsForError(err, "invalid certificate request"), err)
		return
	}

	err = wfe.sa.FinalizeOrder(r.Context(), order.ID, csrDER)
	if err != nil {
		wfe.sendError(w, event, web.ProblemDetailsForError(err, "failed to finalize order"), err)
		return
	}
	order.Status = core.StatusProcessing
	order.CSR = csrDER

	go wfe.enrollCertificate(order)

	w.Header().Set("Location", relativeEntityURL(r, orderPath, order.ID))
	wfe.writeJSON(w, event, http.StatusOK, wfe.orderView(r, order, core.StatusProcessing))
}

// enrollCertificate drives the CA for a processing order. It runs detached
// from the finalize request so a client disconnect cannot abandon an order
// in processing. A nil chain with a nil error means the CA issues
// asynchronously and will complete the order through the trigger endpoint.
func (wfe *WebFrontEndImpl) enrollCertificate(order core.Order) {
	ctx, cancel := wfe.caContext()
	defer cancel()

	chainPEM, err := wfe.ca.Enroll(ctx, order.CSR)
	if err != nil {
		wfe.failOrder(ctx, order.ID, web.ProblemDetailsForError(err, "certificate issuance failed"))
		return
	}
	if chainPEM == nil {
		return
	}
	err = wfe.completeOrder(ctx, order, chainPEM)
	if err != nil {
		wfe.log.Errf("completing order %s: %s", order.ID, err)
		wfe.failOrder(ctx, order.ID, probs.ServerInternal("failed to store issued certificate"))
	}
}

// completeOrder stores an issued chain and moves the order to valid.
func (wfe *WebFrontEndImpl) completeOrder(ctx context.Context, order core.Order, chainPEM []byte) error {
	leafBlock, _ := pem.Decode(chainPEM)
	if leafBlock == nil || leafBlock.Type != "CERTIFICATE" {
		return errors.New("issued chain contains no leaf certificate")
	}
	cert, err := wfe.sa.NewCertificate(ctx, core.Certificate{
		ID:        core.NewName(),
		OrderID:   order.ID,
		AccountID: order.AccountID,
		ChainPEM:  chainPEM,
		DER:       leafBlock.Bytes,
		Issued:    wfe.clk.Now(),
	})
	if err != nil {
		return err
	}
	return wfe.sa.SetOrderProcessed(ctx, order.ID, core.StatusValid, cert.ID, nil)
}

// failOrder moves a processing order to invalid with the given problem.
func (wfe *WebFrontEndImpl) failOrder(ctx context.Context, orderID string, prob *probs.ProblemDetails) {
	probJSON, err := json.Marshal(prob)
	if err != nil {
		probJSON = nil
	}
	err = wfe.sa.SetOrderProcessed(ctx, orderID, core.StatusInvalid, "", probJSON)
	if err != nil {
		wfe.log.Errf("marking order %s invalid: %s", orderID, err)
	}
}
