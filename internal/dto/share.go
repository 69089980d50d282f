package dto

// CreateShareRequest captures POST /files/:id/share payload.
type CreateShareRequest struct {
	ExpiresHours int     `json:"expiresHours" binding:"omitempty,min=1,max=720"`
	Password     *string `json:"password,omitempty" binding:"omitempty,min=4"`
	MaxDownloads int     `json:"maxDownloads" binding:"omitempty,min=1"`
}

// RedeemShareRequest carries the optional share password.
type RedeemShareRequest struct {
	Password *string `json:"password,omitempty"`
}

// EntitlementCheckRequest asks for a bulk decision over feature codes.
type EntitlementCheckRequest struct {
	Features []string `json:"features" binding:"required,min=1,dive,required"`
}
