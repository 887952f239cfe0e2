package matching

// RequestMatchInput is the body of POST /matches/requests
type RequestMatchInput struct {
	Tier string `json:"tier" validate:"required,oneof=standard priority vip"`
}

// RespondInput is the body of POST /matches/{id}/respond
type RespondInput struct {
	Action string `json:"action" validate:"required,oneof=accept decline"`
}
