package payment

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/v1/payments").Subrouter()

	// Gateway callbacks carry their own signature; no bearer token.
	api.HandleFunc("/webhooks/{gateway}", handler.Webhook).Methods("POST")

	authed := api.NewRoute().Subrouter()
	authed.Use(authenticate)
	authed.HandleFunc("/initiate", handler.InitiatePayment).Methods("POST")
	authed.HandleFunc("/{id:[0-9]+}", handler.GetPayment).Methods("GET")
}
