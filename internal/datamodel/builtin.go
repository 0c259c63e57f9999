package datamodel

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	RebootCommand   = "Device.Reboot()"
	SelfTestCommand = "Device.SelfTestDiagnostics()"
)

// RegisterBuiltins installs the device-level commands every agent offers.
// reboot runs when a controller invokes Device.Reboot(); it may be nil.
func RegisterBuiltins(c *Commands, reboot func(ctx context.Context) error, selfTestDelay time.Duration) error {
	err := c.Register(Command{
		Path:        RebootCommand,
		Description: "restart the device",
		Run: func(ctx context.Context, path string, _ map[string]string) (map[string]string, error) {
			log.Warn().Str("command", path).Msg("reboot requested")
			if reboot == nil {
				return map[string]string{}, nil
			}
			return map[string]string{}, reboot(ctx)
		},
	})
	if err != nil {
		return err
	}
	return c.Register(Command{
		Path:        SelfTestCommand,
		Description: "run device self test",
		Async:       true,
		Output:      []string{"Status", "Results"},
		Run: func(ctx context.Context, _ string, _ map[string]string) (map[string]string, error) {
			t := time.NewTimer(selfTestDelay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
			}
			return map[string]string{"Status": "Complete", "Results": "ok"}, nil
		},
	})
}
