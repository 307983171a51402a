package sqlstore

import "github.com/goliatone/go-apilinker/dlq"

var (
	_ dlq.Store = (*DeadLetterStore)(nil)
)
