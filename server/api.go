package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/errs"
	"github.com/alimasry/go-collab-docs/service"
	"github.com/alimasry/go-collab-docs/store"
)

const maxBodySize = 4 << 20

// userID returns the authenticated user of a request. Identity is asserted
// by the fronting proxy through X-User-Id; the user query parameter is
// accepted for websocket clients that cannot set headers.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("user")
}

type api struct {
	svc *service.Service
	log *zap.Logger
}

func (a *api) routes(r *mux.Router) {
	r.HandleFunc("/api/docs", a.listDocs).Methods(http.MethodGet)
	r.HandleFunc("/api/docs", a.createDoc).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{id}", a.getDoc).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{id}", a.deleteDoc).Methods(http.MethodDelete)
	r.HandleFunc("/api/docs/{id}/content", a.saveDoc).Methods(http.MethodPut)
	r.HandleFunc("/api/docs/{id}/history", a.history).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{id}/history/{hash}", a.commit).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{id}/rollback", a.rollback).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{id}/grants/{user}", a.share).Methods(http.MethodPut)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindForbidden:
		status = http.StatusForbidden
	case errs.KindInvalid:
		status = http.StatusBadRequest
	case errs.KindConflict:
		status = http.StatusConflict
	default:
		a.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}

// decode reads a JSON body. It writes the error response itself and
// reports false on failure.
func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		a.writeError(w, errs.E(errs.KindInvalid, "decode request", err))
		return false
	}
	return true
}

// requireUser writes 401 when the request carries no identity.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := userID(r)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing user identity", Kind: "unauthorized"})
		return "", false
	}
	return user, true
}

func (a *api) listDocs(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	docs, err := a.svc.List(r.Context(), user)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (a *api) createDoc(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	doc, err := a.svc.Create(r.Context(), body.Name, user)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

type docResponse struct {
	ID string `json:"id"`
	service.Content
}

func (a *api) getDoc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	content, err := a.svc.Get(r.Context(), id, userID(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docResponse{ID: id, Content: content})
}

func (a *api) deleteDoc(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := a.svc.Delete(r.Context(), mux.Vars(r)["id"], user); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) saveDoc(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	res, err := a.svc.Save(r.Context(), mux.Vars(r)["id"], body.Content, user)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	commits, err := a.svc.History(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (a *api) commit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	content, err := a.svc.CommitContent(r.Context(), vars["id"], vars["hash"], userID(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": vars["hash"], "content": content})
}

func (a *api) rollback(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Hash string `json:"hash"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	res, err := a.svc.Rollback(r.Context(), mux.Vars(r)["id"], body.Hash, user)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) share(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Role store.Role `json:"role"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	vars := mux.Vars(r)
	if err := a.svc.Share(r.Context(), vars["id"], user, vars["user"], body.Role); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
