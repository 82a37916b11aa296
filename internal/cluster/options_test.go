package cluster

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultOptionsValid(t *testing.T) {
	opts := DefaultOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("DefaultOptions must validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"unknown placement", func(o *Options) { o.ProposerPlacement = "some" }, ErrUnknownPlacement},
		{"unknown transport", func(o *Options) { o.Transport = "carrier-pigeon" }, ErrUnknownTransport},
		{"zero coordinator timeout", func(o *Options) { o.CoordinatorTimeout = 0 }, ErrInvalidTimeout},
		{"negative proposer timeout", func(o *Options) { o.ProposerTimeout = -1 }, ErrInvalidTimeout},
		{"negative max timeouts", func(o *Options) { o.MaxTimeouts = -1 }, ErrInvalidMaxTimeout},
		{"noPhase1 with fast path", func(o *Options) {
			o.NoPhase1 = true
			o.ProposerPlacement = PlaceOne
		}, ErrPhase1Required},
		{"noPhase1 with many proposers", func(o *Options) {
			o.NoPhase1 = true
			o.FastPath = false
		}, ErrPhase1Required},
		{"total loss", func(o *Options) { o.Network.LossRate = 1 }, ErrInvalidLossRate},
		{"negative loss", func(o *Options) { o.Network.LossRate = -0.1 }, ErrInvalidLossRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			if err := opts.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNoPhase1SingleClassicProposer(t *testing.T) {
	opts := DefaultOptions()
	opts.NoPhase1 = true
	opts.FastPath = false
	opts.ProposerPlacement = PlaceOne
	if err := opts.Validate(); err != nil {
		t.Errorf("Expected valid options, got %v", err)
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.json")
	data := `{
		"fast_path": false,
		"proposer_placement": "one",
		"coordinator_timeout": "250ms",
		"network": {"latency": "2ms", "loss_rate": 0.1}
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if opts.FastPath || opts.ProposerPlacement != PlaceOne {
		t.Errorf("Unexpected options %+v", opts)
	}
	if opts.CoordinatorTimeout.Std() != 250*time.Millisecond {
		t.Errorf("Expected 250ms coordinator timeout, got %v", opts.CoordinatorTimeout.Std())
	}
	if opts.Network.Latency.Std() != 2*time.Millisecond || opts.Network.LossRate != 0.1 {
		t.Errorf("Unexpected network options %+v", opts.Network)
	}
	// fields absent from the file keep their defaults
	if !opts.CoordinatedRecovery || opts.ProposerTimeout.Std() != 200*time.Millisecond {
		t.Errorf("Expected defaults to survive, got %+v", opts)
	}
}

func TestDurationAcceptsNanoseconds(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte("1500")); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if d.Std() != 1500*time.Nanosecond {
		t.Errorf("Expected 1.5µs, got %v", d.Std())
	}
	if err := d.UnmarshalJSON([]byte(`"soon"`)); err == nil {
		t.Error("Expected an error for an unparsable duration")
	}
}
