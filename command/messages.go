package command

import (
	"strings"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/resilience"
)

const (
	TypeRunSync           = "apilinker.command.sync.run"
	TypeReplayDeadLetter  = "apilinker.command.dead_letter.replay"
	TypeReplayDeadLetters = "apilinker.command.dead_letter.replay_all"
	TypePurgeDeadLetter   = "apilinker.command.dead_letter.purge"
)

// RunSyncMessage runs one mapping, or every configured mapping when Mapping
// is empty.
type RunSyncMessage struct {
	Mapping string
}

func (RunSyncMessage) Type() string { return TypeRunSync }

func (m RunSyncMessage) Validate() error {
	if m.Mapping != "" && strings.TrimSpace(m.Mapping) == "" {
		return commandValidationError("mapping", "mapping name must not be blank")
	}
	return nil
}

type ReplayDeadLetterMessage struct {
	ID string
}

func (ReplayDeadLetterMessage) Type() string { return TypeReplayDeadLetter }

func (m ReplayDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return commandValidationError("id", "dead letter id is required")
	}
	return nil
}

type ReplayDeadLettersMessage struct {
	Filter dlq.Filter
}

func (ReplayDeadLettersMessage) Type() string { return TypeReplayDeadLetters }

func (m ReplayDeadLettersMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	if m.Filter.Offset < 0 {
		return commandValidationError("offset", "offset must be >= 0")
	}
	if m.Filter.Category != "" {
		if _, ok := resilience.ParseCategory(string(m.Filter.Category)); !ok {
			return commandInvalidInputError("command: unknown error category " + string(m.Filter.Category))
		}
	}
	return nil
}

type PurgeDeadLetterMessage struct {
	ID string
}

func (PurgeDeadLetterMessage) Type() string { return TypePurgeDeadLetter }

func (m PurgeDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return commandValidationError("id", "dead letter id is required")
	}
	return nil
}
