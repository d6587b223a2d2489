package models

// Signal is one external validation result merged into a lead score.
type Signal struct {
	Source string `json:"source"`
	Delta  int    `json:"delta"`
	Detail string `json:"detail,omitempty"`
}

// Lead is the subset of a session's answers that external validators look at.
type Lead struct {
	SessionID   string  `json:"session_id"`
	FormID      string  `json:"form_id"`
	Name        string  `json:"name,omitempty"`
	Company     string  `json:"company,omitempty"`
	Email       string  `json:"email,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Website     string  `json:"website,omitempty"`
	Address     string  `json:"address,omitempty"`
	ServiceArea string  `json:"service_area,omitempty"`
	RadiusMiles float64 `json:"radius_miles,omitempty"`
}
