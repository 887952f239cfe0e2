package payment

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/donmaleek/Kujuana-sub002/internal/auth"
	"github.com/donmaleek/Kujuana-sub002/internal/common/utils"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

// Webhook bodies are small; a megabyte bounds hostile payloads.
const maxWebhookBody = 1 << 20

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input InitiatePaymentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := utils.ValidateStruct(input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.service.Initiate(r.Context(), userID, InitiateInput{
		Gateway:        input.Gateway,
		Tier:           subscription.Tier(input.Tier),
		Purpose:        input.Purpose,
		Amount:         input.Amount,
		Currency:       input.Currency,
		IdempotencyKey: input.IdempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownGateway), errors.Is(err, subscription.ErrInvalidTier):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		default:
			utils.RespondWithError(w, http.StatusBadGateway, "Payment initiation failed")
		}
		return
	}

	utils.RespondWithData(w, http.StatusCreated, p)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	paymentID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid payment ID")
		return
	}

	p, err := h.service.GetPayment(r.Context(), userID, paymentID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load payment")
		return
	}

	utils.RespondWithData(w, http.StatusOK, p)
}

// Webhook is unauthenticated; the gateway signature is the credential. A
// store failure after verification answers 502 so the gateway retries.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	gatewayName := mux.Vars(r)["gateway"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Unreadable webhook body")
		return
	}

	err = h.service.HandleWebhook(r.Context(), gatewayName, r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			utils.RespondWithError(w, http.StatusUnauthorized, "Signature verification failed")
		case errors.Is(err, ErrUnknownGateway):
			utils.RespondWithError(w, http.StatusNotFound, "Unknown gateway")
		case errors.Is(err, ErrPaymentNotFound):
			utils.RespondWithError(w, http.StatusNotFound, "No matching payment")
		default:
			utils.RespondWithError(w, http.StatusBadGateway, "Reconciliation failed, retry expected")
		}
		return
	}

	utils.RespondWithMessage(w, http.StatusOK, "Processed")
}
