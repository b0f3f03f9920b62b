package common

import (
	"time"
)

var RealWorldState = WorldState{
	Now: time.Now,
}

// WorldState is where the server gets its notion of time from, so tests can pin it
type WorldState struct {
	Now func() time.Time
}

func WorldOfTime(t time.Time) WorldState {
	return WorldState{
		Now: func() time.Time { return t },
	}
}
