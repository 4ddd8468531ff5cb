package ids

import (
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// New returns a time-ordered, globally unique id.
func New() string {
	return ksuid.New().String()
}

func NewSessionID() string {
	return "sess_" + New()
}

func NewClientID() string {
	return "client_" + uuid.NewString()
}

// NewTicket returns an unguessable one-time secret.
func NewTicket() string {
	return "ct_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}
