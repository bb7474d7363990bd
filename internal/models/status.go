package models

// Client-visible service status values.
const (
	StatusInitiating      = "initiating"
	StatusSTTConnecting   = "stt_connecting"
	StatusReady           = "ready"
	StatusSTTReconnecting = "stt_reconnecting"
	StatusError           = "error"
	StatusClosed          = "closed"
)

// ServiceStatus is the JSON status event sent to the client.
type ServiceStatus struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	StatusText string `json:"status_text,omitempty"`
}

// NewServiceStatus builds a status event.
func NewServiceStatus(status, text string) ServiceStatus {
	return ServiceStatus{Type: "service_status", Status: status, StatusText: text}
}

// SpeakerAssigned is the client control message that binds a provider
// speaker label to a known person.
type SpeakerAssigned struct {
	Type       string   `json:"type"`
	SpeakerID  int      `json:"speaker_id"`
	PersonID   string   `json:"person_id"`
	PersonName string   `json:"person_name"`
	SegmentIDs []string `json:"segment_ids"`
}
