package httpapi

import "net/http"

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("X-Glucagon-Error", message)
	http.Error(w, message, status)
}
