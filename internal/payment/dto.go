package payment

// InitiatePaymentInput is the body of POST /payments
type InitiatePaymentInput struct {
	Gateway        string `json:"gateway" validate:"required,oneof=pesapal flutterwave"`
	Tier           string `json:"tier" validate:"required,oneof=standard priority vip"`
	Purpose        string `json:"purpose" validate:"required,oneof=new_subscription renewal"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Currency       string `json:"currency" validate:"required,len=3"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,min=8,max=128"`
}
