package model

import "time"

// SecretRecord is the persisted form of a vault entry. Only ciphertext and
// nonce are stored.
type SecretRecord struct {
	Key        string     `json:"key"`
	Ciphertext []byte     `json:"-"`
	Nonce      []byte     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
}

// SecretStatus is the only view of a secret exposed outside the gateway.
type SecretStatus struct {
	Name       string     `json:"name"`
	Configured bool       `json:"configured"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
}
