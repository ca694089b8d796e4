package cnc

import (
	"github.com/streamcast/mdriver/counters"
)

const CncVersion int32 = 1

// File is the in-process analogue of the memory-mapped CnC file (§6):
// meta header, to-driver command ring, to-clients broadcast, counters
// registry, and distinct-error log, all owned by the driver.
type File struct {
	Meta      Meta
	ToDriver  *Ring
	ToClients *Broadcast
	Counters  *counters.Registry
	Errors    *ErrorLog
}

func NewFile(meta Meta, toDriverCapacity, toClientsCapacity int, countersReg *counters.Registry) *File {
	meta.Version = CncVersion
	return &File{
		Meta:      meta,
		ToDriver:  NewRing(toDriverCapacity),
		ToClients: NewBroadcast(toClientsCapacity),
		Counters:  countersReg,
		Errors:    NewErrorLog(),
	}
}
