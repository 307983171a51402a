package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func deadLetterHandlers() repository.ModelHandlers[*deadLetterRecord] {
	return repository.ModelHandlers[*deadLetterRecord]{
		NewRecord: func() *deadLetterRecord {
			return &deadLetterRecord{}
		},
		GetID: func(record *deadLetterRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *deadLetterRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *deadLetterRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
