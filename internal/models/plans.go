package models

// CheckoutRequest represents a request to start checkout or upgrade in place.
type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required,max=255"`
}

// CheckoutResponse is either a hosted checkout URL or an in-place upgrade confirmation.
type CheckoutResponse struct {
	URL      string `json:"url,omitempty"`
	Upgraded bool   `json:"upgraded,omitempty"`
}

// LimitCheckRequest asks whether one more resource of the given kind may be created.
type LimitCheckRequest struct {
	Resource string `json:"resource" validate:"required,oneof=bots knowledge_bases messages storage"`
	Count    int64  `json:"count" validate:"gte=0"`
}

// ErrorResponse is the JSON error body returned by the billing endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
