package wfe

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/web"
)

// challengeView is the wire form of a challenge.
type challengeView struct {
	Type      core.AcmeChallenge    `json:"type"`
	URL       string                `json:"url"`
	Status    core.AcmeStatus       `json:"status"`
	Token     string                `json:"token"`
	Validated *time.Time            `json:"validated,omitempty"`
	Error     *probs.ProblemDetails `json:"error,omitempty"`
}

func challengeViewFor(r *http.Request, chall core.Challenge) challengeView {
	return challengeView{
		Type:      chall.Type,
		URL:       relativeEntityURL(r, challengePath, chall.ID),
		Status:    chall.Status,
		Token:     chall.Token,
		Validated: chall.Validated,
		Error:     chall.Error,
	}
}

// authzView is the wire form of an authorization. Wildcard identifiers are
// presented with the "*." prefix stripped and the wildcard flag set.
type authzView struct {
	Identifier identifier.ACMEIdentifier `json:"identifier"`
	Status     core.AcmeStatus           `json:"status"`
	Expires    time.Time                 `json:"expires"`
	Challenges []challengeView           `json:"challenges"`
	Wildcard   bool                      `json:"wildcard,omitempty"`
}

func (wfe *WebFrontEndImpl) authzView(r *http.Request, authz core.Authorization, challs []core.Challenge) authzView {
	view := authzView{
		Identifier: authz.Identifier,
		Status:     wfe.deriveAuthzStatus(authz),
		Expires:    authz.Expires,
	}
	if strings.HasPrefix(view.Identifier.Value, "*.") {
		view.Identifier.Value = strings.TrimPrefix(view.Identifier.Value, "*.")
		view.Wildcard = true
	}
	for _, chall := range challs {
		view.Challenges = append(view.Challenges, challengeViewFor(r, chall))
	}
	return view
}

// deriveAuthzStatus projects expiry onto a pending authorization at read
// time. Stored terminal statuses pass through untouched.
func (wfe *WebFrontEndImpl) deriveAuthzStatus(authz core.Authorization) core.AcmeStatus {
	if authz.Status == core.StatusPending && wfe.clk.Now().After(authz.Expires) {
		return core.StatusExpired
	}
	return authz.Status
}

// Authorization handles POST /acme/authz/{name}: the POST-as-GET view and
// the deactivation update.
func (wfe *WebFrontEndImpl) Authorization(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
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

	name := strings.TrimPrefix(r.URL.Path, authzPath)
	authz, prob := wfe.authzForAccount(r, name, account)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	if len(payload) > 0 {
		wfe.updateAuthorization(event, w, r, authz, payload)
		return
	}

	challs, err := wfe.sa.GetChallengesByAuthorization(r.Context(), authz.ID)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to retrieve challenges"), err)
		return
	}
	wfe.writeJSON(w, event, http.StatusOK, wfe.authzView(r, authz, challs))
}

// authzForAccount fetches an authorization and checks ownership.
func (wfe *WebFrontEndImpl) authzForAccount(r *http.Request, name string, account core.Account) (core.Authorization, *probs.ProblemDetails) {
	if name == "" || strings.Contains(name, "/") {
		return core.Authorization{}, probs.NotFound("Authorization not found")
	}
	authz, err := wfe.sa.GetAuthorization(r.Context(), name)
	if err != nil {
		if errors.Is(err, berrors.NotFound) {
			return core.Authorization{}, probs.NotFound("Authorization not found")
		}
		return core.Authorization{}, probs.ServerInternal("failed to retrieve authorization")
	}
	if authz.AccountID != account.ID {
		return core.Authorization{}, probs.Unauthorized("Account does not own this authorization")
	}
	return authz, nil
}

// updateAuthorization handles the only accepted authorization update,
// {"status": "deactivated"}.
func (wfe *WebFrontEndImpl) updateAuthorization(event *web.RequestEvent, w http.ResponseWriter, r *http.Request, authz core.Authorization, payload []byte) {
	var update struct {
		Status core.AcmeStatus `json:"status"`
	}
	err := json.Unmarshal(payload, &update)
	if err != nil {
		wfe.sendError(w, event, probs.Malformed("error unmarshaling authorization update"), err)
		return
	}
	if update.Status != core.StatusDeactivated {
		wfe.sendError(w, event, probs.Malformed("only {\"status\": \"deactivated\"} is an acceptable authorization update"), nil)
		return
	}
	err = wfe.sa.UpdateAuthorizationStatus(r.Context(), authz.ID, core.StatusDeactivated)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to deactivate authorization"), err)
		return
	}
	authz.Status = core.StatusDeactivated
	challs, err := wfe.sa.GetChallengesByAuthorization(r.Context(), authz.ID)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to retrieve challenges"), err)
		return
	}
	wfe.writeJSON(w, event, http.StatusOK, wfe.authzView(r, authz, challs))
}

// Challenge handles POST /acme/chall/{name}: the client's signal that the
// challenge is ready for validation.
func (wfe *WebFrontEndImpl) Challenge(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
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

	// The payload is {} from conforming clients. Older clients send a
	// keyAuthorization field; it is tolerated and ignored.
	if len(payload) > 0 {
		var update struct {
			KeyAuthorization string `json:"keyAuthorization"`
		}
		err := json.Unmarshal(payload, &update)
		if err != nil {
			wfe.sendError(w, event, probs.Malformed("error unmarshaling challenge request body"), err)
			return
		}
	}

	name := strings.TrimPrefix(r.URL.Path, challengePath)
	if name == "" || strings.Contains(name, "/") {
		wfe.sendError(w, event, probs.NotFound("Challenge not found"), nil)
		return
	}
	chall, err := wfe.sa.GetChallenge(r.Context(), name)
	if err != nil {
		if errors.Is(err, berrors.NotFound) {
			wfe.sendError(w, event, probs.NotFound("Challenge not found"), nil)
			return
		}
		wfe.sendError(w, event, probs.ServerInternal("failed to retrieve challenge"), err)
		return
	}
	authz, prob := wfe.authzForAccount(r, chall.AuthzID, account)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	switch chall.Status {
	case core.StatusPending:
	case core.StatusProcessing, core.StatusValid, core.StatusInvalid:
		// A re-POST of an in-flight or settled challenge returns the current
		// state without scheduling anything.
		wfe.respondWithChallenge(event, w, r, chall, authz)
		return
	default:
		wfe.sendError(w, event, probs.Malformed(
			"cannot validate a challenge in status %q", chall.Status), nil)
		return
	}
	if wfe.deriveAuthzStatus(authz) != core.StatusPending {
		wfe.sendError(w, event, probs.Malformed(
			"cannot validate a challenge of an authorization in status %q", wfe.deriveAuthzStatus(authz)), nil)
		return
	}

	thumbprint, err := core.Thumbprint(account.Key)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to compute key thumbprint"), err)
		return
	}

	// The challenge leaves pending the moment the client asks for
	// validation, so the response already reflects the attempt.
	chall.Status = core.StatusProcessing
	err = wfe.sa.UpdateChallenge(r.Context(), chall)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to update challenge"), err)
		return
	}
	_, err = wfe.va.Enqueue(core.ValidationRequest{
		ChallengeID:       chall.ID,
		AccountThumbprint: thumbprint,
		AccountURL:        web.RelativeEndpoint(r, acctPath+account.ID),
	})
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to schedule validation"), err)
		return
	}

	// Re-read: the validation may already have started (or even finished) by
	// the time the response is built.
	refreshed, err := wfe.sa.GetChallenge(r.Context(), chall.ID)
	if err == nil {
		chall = refreshed
	}
	wfe.respondWithChallenge(event, w, r, chall, authz)
}

// respondWithChallenge serves a challenge view with the up link to its
// authorization.
func (wfe *WebFrontEndImpl) respondWithChallenge(event *web.RequestEvent, w http.ResponseWriter, r *http.Request, chall core.Challenge, authz core.Authorization) {
	w.Header().Add("Link", link(relativeEntityURL(r, authzPath, authz.ID), "up"))
	wfe.writeJSON(w, event, http.StatusOK, challengeViewFor(r, chall))
}
