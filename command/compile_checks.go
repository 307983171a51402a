package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RunSyncMessage]           = (*RunSyncCommand)(nil)
	_ gocmd.Commander[ReplayDeadLetterMessage]  = (*ReplayDeadLetterCommand)(nil)
	_ gocmd.Commander[ReplayDeadLettersMessage] = (*ReplayDeadLettersCommand)(nil)
	_ gocmd.Commander[PurgeDeadLetterMessage]   = (*PurgeDeadLetterCommand)(nil)
)
