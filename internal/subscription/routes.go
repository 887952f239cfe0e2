package subscription

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/v1/subscriptions").Subrouter()
	api.Use(authenticate)

	api.HandleFunc("/me", handler.GetMySubscription).Methods("GET")
	api.HandleFunc("/cancel", handler.Cancel).Methods("POST")
}
