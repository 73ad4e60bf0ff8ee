package domain

// Device is a media server found on the LAN by the discovery probe.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Location     string `json:"location"`
	USN          string `json:"usn"`
	Server       string `json:"server,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	IsSelf       bool   `json:"is_self"`
}
