package keystore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"yar/gateway/auth"
	"yar/gateway/creds"
)

// Credential is one stored MAC key or API key. Records are soft deleted so the
// gateway can still distinguish a revoked identifier from an unknown one.
type Credential struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Principal    string    `gorm:"size:256;index;not null"`
	Kind         string    `gorm:"size:16;not null"`
	Identifier   string    `gorm:"size:128;uniqueIndex;not null"`
	MACKey       string    `gorm:"size:128"`
	MACAlgorithm string    `gorm:"size:32"`
	IsDeleted    bool      `gorm:"index;not null;default:false"`
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AutoMigrate creates or updates the keystore tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Credential{})
}

// Document renders the record in the form the gateway consumes.
func (c Credential) Document() creds.Document {
	if c.Kind == string(auth.KindBasic) {
		return creds.NewAPIKeyDocument(c.Principal, c.Identifier, c.IsDeleted)
	}
	return creds.NewMACDocument(c.Principal, c.Identifier, c.MACKey, auth.Algorithm(c.MACAlgorithm), c.IsDeleted)
}

// credentialView is the admin representation: the consumed document plus
// bookkeeping fields.
type credentialView struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	creds.Document
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (c Credential) view() credentialView {
	return credentialView{
		ID:        c.ID.String(),
		Type:      c.Kind,
		Document:  c.Document(),
		CreatedAt: c.CreatedAt,
		DeletedAt: c.DeletedAt,
	}
}
