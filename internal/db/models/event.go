package models

import (
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
)

// Event is one audit journal entry. Seq is monotonic within a daemon
// lifetime; Data is a msgpack-encoded payload owned by the emitting
// component.
type Event struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID        uuid.UUID    `bun:",type:uuid,pk"`
	Seq       int64        `bun:",notnull"`
	Type      string       `bun:",notnull"`
	OwnerID   string       `bun:",notnull"`
	Data      []byte       `bun:",notnull"`
	CreatedAt bun.NullTime `bun:",nullzero,notnull,default:current_timestamp"`
}

func NewEvent(seq int64, eventType, ownerID string, data interface{}) *Event {
	encoded, err := msgpack.Marshal(data)
	if err != nil {
		panic(err)
	}

	return &Event{
		ID:      uuid.Must(uuid.NewRandom()),
		Seq:     seq,
		Type:    eventType,
		OwnerID: ownerID,
		Data:    encoded,
	}
}
