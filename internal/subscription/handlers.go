package subscription

import (
	"net/http"

	"github.com/donmaleek/Kujuana-sub002/internal/auth"
	"github.com/donmaleek/Kujuana-sub002/internal/common/utils"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) GetMySubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sub, err := h.service.GetActive(r.Context(), userID)
	if err == ErrNoActiveSubscription {
		// No subscription means the member is on the implicit standard tier
		utils.RespondWithData(w, http.StatusOK, map[string]interface{}{
			"tier":   TierStandard,
			"status": "none",
		})
		return
	}
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	}

	utils.RespondWithData(w, http.StatusOK, sub)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.service.Cancel(r.Context(), userID); err != nil {
		if err == ErrNoActiveSubscription {
			utils.RespondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to cancel subscription")
		return
	}

	utils.RespondWithMessage(w, http.StatusOK, "Subscription will not renew at period end")
}
