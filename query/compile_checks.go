package query

import (
	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/resilience"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[GetDeadLetterMessage, dlq.Entry]                   = (*GetDeadLetterQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, DeadLetterPage]            = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[BreakerStateMessage, resilience.BreakerSnapshot]   = (*BreakerStateQuery)(nil)
	_ gocmd.Querier[ListBreakersMessage, []resilience.BreakerSnapshot] = (*ListBreakersQuery)(nil)
	_ DeadLetterReader                                                 = (*dlq.Queue)(nil)
	_ BreakerReader                                                    = (*resilience.Breakers)(nil)
)
