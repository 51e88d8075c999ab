package trmnl

// Device is a remote display unit as reported by /devices.json. Each device
// carries its own access key used to authenticate screen requests.
type Device struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	APIKey     string `json:"api_key"`
	FriendlyID string `json:"friendly_id,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
}

// DisplayResponse is the metadata returned by the screen endpoints.
type DisplayResponse struct {
	ImageURL    string `json:"image_url"`
	Filename    string `json:"filename,omitempty"`
	RefreshRate int    `json:"refresh_rate,omitempty"`
}
