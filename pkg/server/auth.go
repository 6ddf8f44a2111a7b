package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/pkg/auth/flow"
	"github.com/modelrelay/modelrelay/pkg/auth/service"
	"github.com/modelrelay/modelrelay/pkg/auth/tokencache"
	"github.com/modelrelay/modelrelay/pkg/auth/verifier"
)

// AuthRouter sets up the auth flow routes.
func AuthRouter(deps Deps) http.Handler {
	routes := &authRoutes{deps: deps}
	r := chi.NewRouter()
	r.Get("/callback", routes.getCallback)
	r.Route("/{provider}", func(r chi.Router) {
		r.Get("/login", routes.getLogin)
		r.Post("/token", routes.postToken)
		r.Post("/refresh", routes.postRefresh)
		r.Post("/sign_out", routes.postSignOut)
		r.Get("/whoami", routes.getWhoami)
		r.Get("/service_token", routes.getServiceToken)
		r.Post("/service_token/clear", routes.postServiceTokenClear)
	})
	return r
}

type authRoutes struct {
	deps Deps
}

// tokenRecordResponse summarizes a cached record. Tokens themselves never
// appear in responses.
type tokenRecordResponse struct {
	Subject         string    `json:"subject"`
	Email           string    `json:"email,omitempty"`
	Provider        string    `json:"provider"`
	ClientID        string    `json:"client_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	ExpiresAt       string    `json:"expires_at,omitempty"`
}

func recordResponse(item *tokencache.Item) tokenRecordResponse {
	resp := tokenRecordResponse{
		Subject:         item.ReferringSubject,
		Email:           item.ReferringEmail,
		Provider:        item.AuthProvider,
		ClientID:        item.ClientID,
		CreatedAt:       item.CreatedAt,
		HasRefreshToken: item.RefreshToken != "",
	}
	if claims, err := tokencache.PeekClaims(item.AccessToken); err == nil && !claims.ExpiresAt.IsZero() {
		resp.ExpiresAt = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// getLogin redirects the browser to the provider's authorization endpoint.
func (a *authRoutes) getLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	authURL, err := a.deps.Flow.CreateAuthorizationURL(r.Context(), flow.LoginRequest{
		Provider:         provider,
		ReferringSubject: q.Get("subject"),
		ReferringEmail:   q.Get("email"),
		Audience:         q.Get("audience"),
		Issuer:           q.Get("issuer"),
		RedirectURL:      q.Get("redirect_url"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if m := a.deps.Metrics; m != nil {
		m.LoginsStarted.WithLabelValues(provider).Inc()
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// getCallback completes the authorization code flow.
func (a *authRoutes) getCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		a.countCallback("", "error")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("provider returned %q: %s", providerErr, q.Get("error_description")),
		})
		return
	}

	code := q.Get("code")
	stateToken := q.Get("state")
	if code == "" || stateToken == "" {
		a.countCallback("", "error")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "code and state are required"})
		return
	}

	result, err := a.deps.Flow.ProcessCallback(r.Context(), code, stateToken)
	if err != nil {
		a.countCallback("", "error")
		writeError(w, err)
		return
	}

	a.countCallback(result.Item.AuthProvider, "ok")
	a.countGrant("authorization_code", "ok")
	if result.RedirectURL != "" {
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(result.Item))
}

func (a *authRoutes) countCallback(provider, result string) {
	if m := a.deps.Metrics; m != nil {
		m.CallbacksTotal.WithLabelValues(provider, result).Inc()
	}
}

// submitTokenRequest is the body of POST /auth/{provider}/token.
type submitTokenRequest struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ReferringSubject string `json:"referring_subject,omitempty"`
	ReferringEmail   string `json:"referring_email,omitempty"`
}

// postToken caches a token obtained outside the gateway.
func (a *authRoutes) postToken(w http.ResponseWriter, r *http.Request) {
	var req submitTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.AccessToken == "" && req.IDToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "access_token or id_token is required"})
		return
	}

	item, err := a.deps.Flow.SubmitToken(r.Context(), flow.SubmitRequest{
		Provider:         chi.URLParam(r, "provider"),
		AccessToken:      req.AccessToken,
		IDToken:          req.IDToken,
		RefreshToken:     req.RefreshToken,
		ReferringSubject: req.ReferringSubject,
		ReferringEmail:   req.ReferringEmail,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(item))
}

// subjectRequest carries the subject for refresh and sign-out.
type subjectRequest struct {
	Subject string `json:"subject"`
}

func decodeSubject(r *http.Request) (string, error) {
	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", fmt.Errorf("invalid JSON body")
	}
	if req.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	return req.Subject, nil
}

// postRefresh redeems the cached refresh token for a fresh record.
func (a *authRoutes) postRefresh(w http.ResponseWriter, r *http.Request) {
	subject, err := decodeSubject(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	item, err := a.deps.Flow.Refresh(r.Context(), subject, chi.URLParam(r, "provider"))
	if err != nil {
		a.countGrant("refresh_token", "error")
		writeError(w, err)
		return
	}
	a.countGrant("refresh_token", "ok")
	writeJSON(w, http.StatusOK, recordResponse(item))
}

func (a *authRoutes) countGrant(grantType, result string) {
	if m := a.deps.Metrics; m != nil {
		m.TokenGrants.WithLabelValues(grantType, result).Inc()
	}
}

// signOutResponse carries the provider's end-session URL when it has one.
type signOutResponse struct {
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`
}

// postSignOut drops the cached record.
func (a *authRoutes) postSignOut(w http.ResponseWriter, r *http.Request) {
	subject, err := decodeSubject(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	endSession, err := a.deps.Flow.SignOut(r.Context(), subject, chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	if endSession == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, signOutResponse{EndSessionEndpoint: endSession})
}

// serviceTokenResponse carries a freshly issued or cached service token for
// in-cluster callers. This route is meant to sit behind the gateway's
// internal listener, never the public one.
type serviceTokenResponse struct {
	Authorization string `json:"authorization"`
}

// getServiceToken returns a client_credentials token for the provider,
// issuing one only when the cached token is missing or near expiry.
func (a *authRoutes) getServiceToken(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	manager := a.serviceManager(provider)
	if manager == nil {
		writeError(w, fmt.Errorf("%w: no service auth for %q", flow.ErrUnknownProvider, provider))
		return
	}

	header, err := manager.AuthorizationHeader(r.Context())
	if err != nil {
		a.countGrant("client_credentials", "error")
		writeError(w, err)
		return
	}
	a.countGrant("client_credentials", "ok")
	writeJSON(w, http.StatusOK, serviceTokenResponse{Authorization: header})
}

// postServiceTokenClear drops the cached service token so the next request
// issues a fresh one.
func (a *authRoutes) postServiceTokenClear(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if a.serviceManager(provider) == nil {
		writeError(w, fmt.Errorf("%w: no service auth for %q", flow.ErrUnknownProvider, provider))
		return
	}
	a.deps.Services.Clear(provider)
	w.WriteHeader(http.StatusNoContent)
}

func (a *authRoutes) serviceManager(provider string) *service.Manager {
	if a.deps.Services == nil {
		return nil
	}
	return a.deps.Services.Get(provider)
}

// whoamiResponse is the verified identity of the caller's bearer token.
type whoamiResponse struct {
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer,omitempty"`
	Email     string `json:"email,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// getWhoami verifies the caller's bearer token against the provider's key
// set and returns the identity claims.
func (a *authRoutes) getWhoami(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	v, ok := a.deps.Verifiers[provider]
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", flow.ErrUnknownProvider, provider))
		return
	}

	claims, err := v.VerifyHeader(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		a.countVerification(err)
		writeError(w, err)
		return
	}
	a.countVerification(nil)

	resp := whoamiResponse{}
	if sub, err := claims.GetSubject(); err == nil {
		resp.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		resp.Issuer = iss
	}
	if email, ok := claims["email"].(string); ok {
		resp.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		resp.ExpiresAt = exp.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *authRoutes) countVerification(err error) {
	m := a.deps.Metrics
	if m == nil {
		return
	}
	var expired *verifier.ExpiredError
	switch {
	case err == nil:
		m.VerificationsTotal.WithLabelValues("ok").Inc()
	case errors.As(err, &expired):
		m.VerificationsTotal.WithLabelValues("expired").Inc()
	default:
		m.VerificationsTotal.WithLabelValues("invalid").Inc()
	}
}
