package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/senutpal/fastquorum/internal/transport"
)

// Proposer placement values.
const (
	PlaceOne = "one" // a single runner on the first proposing node
	PlaceAll = "all" // a runner on every proposing node
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportZmq    = "zmq"
)

var (
	ErrNoProposers       = errors.New("no proposing nodes")
	ErrNoAcceptors       = errors.New("no accepting nodes")
	ErrDuplicateNode     = errors.New("duplicate node name")
	ErrUnknownPlacement  = errors.New("unknown proposer placement")
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrInvalidTimeout    = errors.New("timeouts must be positive")
	ErrInvalidLossRate   = errors.New("loss rate must be in [0, 1)")
	ErrPhase1Required    = errors.New("noPhase1 needs a single classic proposer")
	ErrInvalidMaxTimeout = errors.New("max timeouts must not be negative")
)

// Duration is a time.Duration that reads and writes JSON as "250ms".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare numbers are nanoseconds
		var n int64
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// NetworkOptions shape the simulated network. Ignored by the zmq transport.
type NetworkOptions struct {
	Latency   Duration `json:"latency"`
	Jitter    Duration `json:"jitter"`
	LossRate  float64  `json:"loss_rate"`
	Seed      int64    `json:"seed"`
	InboxSize int      `json:"inbox_size"`
}

func (n NetworkOptions) config() transport.NetworkConfig {
	return transport.NetworkConfig{
		Latency:   n.Latency.Std(),
		Jitter:    n.Jitter.Std(),
		LossRate:  n.LossRate,
		Seed:      n.Seed,
		InboxSize: n.InboxSize,
	}
}

// Options configure InitCluster.
type Options struct {
	// Route fast-round collision votes through the coordinator instead of
	// broadcasting them between acceptors.
	CoordinatedRecovery bool   `json:"coordinated_recovery"`
	FastPath            bool   `json:"fast_path"`
	ProposerPlacement   string `json:"proposer_placement"`
	// Go straight to phase 2 in the runner's first classic round.
	NoPhase1               bool `json:"no_phase1"`
	InterleavedInstanceIDs bool `json:"interleaved_instance_ids"`

	CoordinatorTimeout Duration `json:"coordinator_timeout"`
	ProposerTimeout    Duration `json:"proposer_timeout"`
	TickInterval       Duration `json:"tick_interval"` // 0 derives it from the timeouts
	MaxTimeouts        int      `json:"max_timeouts"`  // 0 = proposers never give up
	Window             int      `json:"window"`        // in-flight proposers per runner, 0 = unbounded

	// Acceptor state goes to DataDir/<node>/acceptor.log when set, memory otherwise.
	DataDir    string `json:"data_dir"`
	SyncWrites bool   `json:"sync_writes"`

	Transport string         `json:"transport"`
	ZmqHost   string         `json:"zmq_host"`
	Network   NetworkOptions `json:"network"`
}

// DefaultOptions returns a fast-path cluster with coordinated recovery and a
// runner on every proposing node.
func DefaultOptions() Options {
	return Options{
		CoordinatedRecovery:    true,
		FastPath:               true,
		ProposerPlacement:      PlaceAll,
		NoPhase1:               false,
		InterleavedInstanceIDs: true,
		CoordinatorTimeout:     Duration(time.Second),
		ProposerTimeout:        Duration(200 * time.Millisecond),
		MaxTimeouts:            10,
		Transport:              TransportMemory,
		ZmqHost:                "127.0.0.1",
	}
}

// LoadOptions reads a JSON options file on top of DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options: %w", err)
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options: %w", err)
	}
	return opts, nil
}

// Validate checks the options on their own. Node lists are checked by
// InitCluster.
func (o *Options) Validate() error {
	switch o.ProposerPlacement {
	case PlaceOne, PlaceAll:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPlacement, o.ProposerPlacement)
	}
	switch o.Transport {
	case "", TransportMemory, TransportZmq:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, o.Transport)
	}
	if o.CoordinatorTimeout <= 0 || o.ProposerTimeout <= 0 || o.TickInterval < 0 {
		return ErrInvalidTimeout
	}
	if o.MaxTimeouts < 0 {
		return ErrInvalidMaxTimeout
	}
	if o.NoPhase1 && (o.FastPath || o.ProposerPlacement == PlaceAll) {
		return ErrPhase1Required
	}
	if o.Network.LossRate < 0 || o.Network.LossRate >= 1 {
		return ErrInvalidLossRate
	}
	return nil
}
