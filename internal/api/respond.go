package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the uniform JSON wrapper for every successful response.
type envelope struct {
	Data any `json:"data"`
}

// errEnvelope is the uniform JSON wrapper for every error response.
type errEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func noContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errEnvelope{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, err error) { fail(w, http.StatusBadRequest, err) }
func notFound(w http.ResponseWriter, err error)   { fail(w, http.StatusNotFound, err) }
func internal(w http.ResponseWriter, err error)   { fail(w, http.StatusInternalServerError, err) }
