package agent

import (
	"context"
	"time"

	"qshield/pkg/models"
)

type Process struct {
	PID         int32
	CommandLine string
}

// Scanner is the OS inspection collaborator.
type Scanner interface {
	ListProcesses(ctx context.Context) ([]Process, error)
	ListOpenFiles(ctx context.Context, pid int32) ([]string, error)
	// ListEstablishedConnections returns remote hosts the process is talking to.
	ListEstablishedConnections(ctx context.Context, pid int32) ([]string, error)
}

type ZoneGuard interface {
	Lookup(path string) (models.ProtectedZone, bool)
	// NoteViolation must not block; it runs under the registry lock.
	NoteViolation(id string, at time.Time) (models.ProtectedZone, error)
	PersistViolation(ctx context.Context, id string, at time.Time) error
}

type Publisher interface {
	Publish(evts ...models.Event)
}
