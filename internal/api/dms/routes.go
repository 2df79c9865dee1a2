package dms

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterDMRoutes registers all DM-related HTTP and WebSocket routes. auth
// guards the REST API only; the relay socket is open.
func RegisterDMRoutes(r *mux.Router, handler *DMHandler, auth mux.MiddlewareFunc) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	api.HandleFunc("/dms/start", handler.StartOrGetConversation).Methods(http.MethodPost)
	api.HandleFunc("/dms/list", handler.ListConversations).Methods(http.MethodGet)
	api.HandleFunc("/dms/messages", handler.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/dms/send", handler.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/dms/read", handler.MarkRead).Methods(http.MethodPost)
	api.HandleFunc("/profiles", handler.GetProfiles).Methods(http.MethodGet)
	api.HandleFunc("/profiles", handler.PutProfile).Methods(http.MethodPut)

	r.HandleFunc("/ws", handler.ServeWS)
	r.HandleFunc("/ws/dms", handler.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}
