package cluster

import (
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/pubsub"
	"github.com/dreamware/torua-repl/internal/workerpool"
)

// Env is the per-process bundle of ambient resources threaded through
// every core component, replacing the original system's global registry
// client / communicator (spec §9 Design Notes: "Global process state...
// Reified as an explicit Env value built at process start"). Tests build a
// fake Env pointing at an httptest-backed replica group instead of a real
// deployment.
type Env struct {
	// Log is the structured logger every component should use in place of
	// package-level log.Printf calls. Never nil after NewEnv.
	Log *zap.SugaredLogger

	// Self is this process's own address, used to recognize "this
	// replica" in election and peer bookkeeping.
	Self Addr

	// DataRoot is the filesystem root under which every shard, relay, and
	// marker file for this process lives (spec §6 persisted layout).
	DataRoot string

	// Dial resolves a peer Addr to a base URL usable with PostJSON/GetJSON.
	// In production this queries the RPC runtime's replica-group registry;
	// tests supply a map-backed stub.
	Dial func(Addr) (string, error)

	// Pool is the shared worker pool used as the serialization point for
	// shard writes and persistence (spec §5). Never nil after NewEnv.
	Pool *workerpool.Pool

	// Pub is the process-wide event bus carrying lifecycle events such as
	// the antenna's "online" notification (spec §4.9). Never nil after
	// NewEnv.
	Pub *pubsub.Publisher
}

// NewEnv builds an Env with a non-nil logger, pool and publisher, falling
// back to sane defaults so components never need a nil check.
func NewEnv(log *zap.SugaredLogger, self Addr, dataRoot string, dial func(Addr) (string, error)) *Env {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Env{
		Log:      log,
		Self:     self,
		DataRoot: dataRoot,
		Dial:     dial,
		Pool:     workerpool.New(1, workerpool.WithLogger(log)),
		Pub:      pubsub.New(),
	}
}

// URLFor resolves addr to a dialable base URL via e.Dial, turning a missing
// resolver or any resolution error into ErrNoEndpoint so callers get the taxonomy of §7
// uniformly regardless of what the underlying resolver returned.
func (e *Env) URLFor(addr Addr) (string, error) {
	if e.Dial == nil {
		return "", &ErrNoEndpoint{Addr: string(addr)}
	}
	url, err := e.Dial(addr)
	if err != nil {
		return "", &ErrNoEndpoint{Addr: string(addr)}
	}
	return url, nil
}
