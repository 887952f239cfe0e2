package matching

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/v1/matching").Subrouter()
	api.Use(authenticate)

	api.HandleFunc("/request", handler.RequestMatch).Methods("POST")
	api.HandleFunc("/requests/{id:[0-9]+}", handler.GetRequest).Methods("GET")
	api.HandleFunc("/matches", handler.GetMatches).Methods("GET")
	api.HandleFunc("/matches/{id:[0-9]+}/respond", handler.RespondToMatch).Methods("POST")
}
