package models

// SecretPayload carries the sensitive card fields. It is never persisted
// by the vault; it lives only inside an active reveal session.
type SecretPayload struct {
	PAN string `json:"pan"`
	CVV string `json:"cvv"`
}
