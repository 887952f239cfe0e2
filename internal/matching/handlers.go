package matching

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/donmaleek/Kujuana-sub002/internal/auth"
	"github.com/donmaleek/Kujuana-sub002/internal/common/utils"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RequestMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input RequestMatchInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := utils.ValidateStruct(input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := h.service.RequestMatch(r.Context(), userID, subscription.Tier(input.Tier), nil)
	if err != nil {
		switch {
		case errors.Is(err, ErrRequestInFlight):
			utils.RespondWithError(w, http.StatusConflict, err.Error())
		case errors.Is(err, subscription.ErrTierRequired), errors.Is(err, ErrNoCredits):
			utils.RespondWithError(w, http.StatusPaymentRequired, err.Error())
		case errors.Is(err, subscription.ErrInvalidTier):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		default:
			utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create match request")
		}
		return
	}

	utils.RespondWithData(w, http.StatusAccepted, req)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	requestID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request ID")
		return
	}

	req, err := h.service.GetRequest(r.Context(), userID, requestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load match request")
		return
	}

	utils.RespondWithData(w, http.StatusOK, req)
}

func (h *Handler) GetMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	matches, err := h.service.GetMatches(r.Context(), userID)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load matches")
		return
	}

	utils.RespondWithData(w, http.StatusOK, matches)
}

func (h *Handler) RespondToMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	matchID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid match ID")
		return
	}

	var input RespondInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := utils.ValidateStruct(input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	match, err := h.service.RespondToMatch(r.Context(), userID, matchID, input.Action)
	if err != nil {
		switch {
		case errors.Is(err, ErrMatchNotFound), errors.Is(err, ErrNotParticipant):
			utils.RespondWithError(w, http.StatusNotFound, "Match not found")
		case errors.Is(err, ErrMatchClosed):
			utils.RespondWithError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrInvalidAction):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		default:
			utils.RespondWithError(w, http.StatusInternalServerError, "Failed to record response")
		}
		return
	}

	utils.RespondWithData(w, http.StatusOK, match)
}
