package models

import (
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type APIKey struct {
	bun.BaseModel `bun:"table:api_keys"`

	ID        uuid.UUID    `bun:",type:uuid,pk"`
	Label     string       `bun:",notnull,default:''"`
	KeyHash   string       `bun:",notnull,unique"`
	KeyMask   string       `bun:",notnull"`
	IsRevoked bool         `bun:",notnull,default:false"`
	CreatedAt bun.NullTime `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt bun.NullTime `bun:",nullzero,notnull,default:current_timestamp"`
}

func NewAPIKey(label, keyHash, keyMask string) *APIKey {
	return &APIKey{
		ID:      uuid.Must(uuid.NewRandom()),
		Label:   label,
		KeyHash: keyHash,
		KeyMask: keyMask,
	}
}
