// Package httpapi implements the HTTP front door (component I): the
// start/end endpoints that mutate the schedule index, plus the marketing
// root, bot-path suppression, and request logging, grounded in
// internal/api/api.go's mux.Router/bugsnag.Handler wiring.
package httpapi

import (
	"fmt"
	"net/http"

	"github.com/bugsnag/bugsnag-go/v2"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/domain"
)

const marketingLine = "glucagon keeps your Live Activity fed with fresh glucose readings."

type API struct {
	logger        *zap.Logger
	store         domain.ActivityStore
	bugsnagActive bool
}

func New(logger *zap.Logger, store domain.ActivityStore, bugsnagActive bool) *API {
	return &API{logger: logger, store: store, bugsnagActive: bugsnagActive}
}

func (a *API) Server(port int) *http.Server {
	var handler http.Handler = a.Routes()
	if a.bugsnagActive {
		handler = bugsnag.Handler(handler)
	}

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
}

func (a *API) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", a.rootHandler).Methods(http.MethodGet)
	r.HandleFunc("/start-live-activity", a.startLiveActivityHandler).Methods(http.MethodPost)
	r.HandleFunc("/end-live-activity", a.endLiveActivityHandler).Methods(http.MethodPost)

	r.Use(a.loggingMiddleware)

	// Bot-path probes never match a route, so mux hands them to
	// NotFoundHandler directly, bypassing r.Use. botPathMiddleware is wired
	// in here instead, ahead of loggingMiddleware, so suppressed probes
	// never hit the log.
	r.NotFoundHandler = a.botPathMiddleware(a.loggingMiddleware(http.HandlerFunc(notFoundHandler)))

	return r
}

func (a *API) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(marketingLine))
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}
