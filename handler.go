package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
)

// maxFormBytes bounds request bodies of the form endpoints
const maxFormBytes = 64 << 10

// Handler is a thin HTTP adapter for a Deployment.
// It parses requests, delegates to the Deployment and writes responses.
type Handler struct {
	deployment *Deployment
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(d *Deployment, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = d.Logger()
	}
	return &Handler{
		deployment: d,
		logger:     logger,
		tracer:     d.Instrumentation().Tracer("http"),
	}
}

// Router mounts every route of the deployment on a chi router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.httpMetrics)
	h.Mount(r)
	return r
}

// Mount registers the deployment's routes on r, for hosts that bring their
// own router and middleware.
func (h *Handler) Mount(r chi.Router) {
	for _, route := range h.deployment.Routes() {
		fn := h.handlerFor(route.Operation)
		for _, method := range route.Methods {
			r.Method(method, route.Path, fn)
		}
	}
}

func (h *Handler) handlerFor(op Operation) http.HandlerFunc {
	switch op {
	case OperationAuthorize:
		return h.ServeAuthorization
	case OperationToken:
		return h.ServeToken
	case OperationDeviceAuthorization:
		return h.ServeDeviceAuthorization
	case OperationJWKS:
		return h.ServeJWKS
	case OperationMetadata:
		return h.ServeMetadata
	case OperationRevocation:
		return h.ServeRevocation
	case OperationIntrospection:
		return h.ServeIntrospection
	case OperationLoginCallback:
		if h.deployment.loginCallback != nil {
			return h.deployment.loginCallback
		}
	}
	return http.NotFound
}

// httpMetrics records one request metric per response, labelled by route
// pattern rather than raw path.
func (h *Handler) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.deployment.Instrumentation().Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status,
			float64(time.Since(start).Microseconds())/1000)
	})
}

// ServeToken handles the token endpoint for every composed grant type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	form, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	user, pass, hasBasic := basicAuth(r)
	req := protocol.NewTokenRequest(form, user, pass, hasBasic)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, string(req.GrantType)))

	resp, err := h.deployment.Token(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeAuthorization handles the authorization endpoint. Success and errors
// with a trusted redirect URI are delivered by 302; anything else is a 400.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize")
	defer span.End()

	values := r.URL.Query()
	if r.Method == http.MethodPost {
		form, ok := h.parseForm(w, r)
		if !ok {
			return
		}
		values = form
	}
	req := protocol.NewAuthorizeRequest(values)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	resp, err := h.deployment.Authorize(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		var ae *protocol.AuthorizeError
		if errors.As(err, &ae) && ae.RedirectURI != "" {
			security.SetSecurityHeaders(w, h.deployment.Issuer())
			http.Redirect(w, r, ae.ErrorLocation(), http.StatusFound)
			return
		}
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.deployment.Issuer())
	http.Redirect(w, r, resp.Location(), http.StatusFound)
}

// ServeDeviceAuthorization handles the RFC 8628 device authorization endpoint
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.device_authorization")
	defer span.End()

	form, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	user, pass, hasBasic := basicAuth(r)
	resp, err := h.deployment.DeviceAuthorize(ctx, protocol.NewDeviceAuthorizationRequest(form, user, pass, hasBasic))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeJWKS serves the public signing keys. The key set changes on rotation,
// so it may only be cached briefly.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.deployment.JWKS(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(jwks)
}

// ServeMetadata serves RFC 8414 metadata, also used as the OpenID configuration
func (h *Handler) ServeMetadata(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deployment.Metadata())
}

// ServeRevocation handles RFC 7009 token revocation
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_revocation")
	defer span.End()

	form, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	user, pass, hasBasic := basicAuth(r)
	if err := h.deployment.Revoke(ctx, protocol.NewRevocationRequest(form, user, pass, hasBasic)); err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.deployment.Issuer())
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospection handles RFC 7662 token introspection
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_introspection")
	defer span.End()

	form, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	user, pass, hasBasic := basicAuth(r)
	resp, err := h.deployment.Introspect(ctx, protocol.NewIntrospectionRequest(form, user, pass, hasBasic))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, protocol.InvalidRequest("Failed to parse request"))
		return nil, false
	}
	return r.PostForm, true
}

// basicAuth returns the client_secret_basic credentials as sent. Both parts
// are still form-encoded; the authenticator decodes them.
func basicAuth(r *http.Request) (string, string, bool) {
	return r.BasicAuth()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.deployment.Issuer())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes protocol errors as they are. Everything else is an
// infrastructure failure: it is logged and answered with a bare server_error.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	pe, ok := protocol.AsError(err)
	if !ok {
		h.logger.Error("Request failed", "error", err)
		pe = protocol.ServerError()
	}
	if pe.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.deployment.Issuer()))
	}
	h.writeJSON(w, pe.Status, pe)
}
