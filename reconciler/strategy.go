package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/instanceforge/controlplane/messages"
)

// restartSleep is the pause between stop and start in the Restart
// strategy, fixed per spec §4.4.
const restartSleep = 2 * time.Second

// StrategyName identifies a reconciliation strategy. RollingUpdate,
// BlueGreen, Canary, and Manual are named here to reserve the type space
// for future strategies; only Restart is implemented.
type StrategyName string

const (
	StrategyRestart       StrategyName = "Restart"
	StrategyRollingUpdate StrategyName = "RollingUpdate"
	StrategyBlueGreen     StrategyName = "BlueGreen"
	StrategyCanary        StrategyName = "Canary"
	StrategyManual        StrategyName = "Manual"
)

// Strategy closes drift for a single instance by driving it toward
// desired. It returns an error describing why convergence failed rather
// than a bare bool, so callers can report a specific audit message.
type Strategy interface {
	Name() StrategyName
	Apply(ctx context.Context, client APIClient, instanceID string, desired messages.DeclaredConfiguration) error
}

// RestartStrategy is the only implemented strategy: stop, sleep, start
// with the desired configuration. The API node's startInstance call
// always uses the instance's currently-declared configuration, so no
// configuration needs to travel through this call beyond what's already
// stored at the API node.
//
// SleepDuration overrides the pause between stop and start; zero means
// the spec default of 2s.
type RestartStrategy struct {
	SleepDuration time.Duration
}

func (RestartStrategy) Name() StrategyName { return StrategyRestart }

func (s RestartStrategy) Apply(ctx context.Context, client APIClient, instanceID string, desired messages.DeclaredConfiguration) error {
	if _, err := client.StopInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}

	sleep := s.SleepDuration
	if sleep == 0 {
		sleep = restartSleep
	}
	select {
	case <-time.After(sleep):
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := client.StartInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	return nil
}

var _ Strategy = RestartStrategy{}
