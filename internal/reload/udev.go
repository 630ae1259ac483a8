package reload

import (
	"context"
	"log/slog"

	"github.com/pilebones/go-udev/netlink"

	"aufhsm/internal/logging"
)

// UdevMonitor listens for block device add and remove events. A branch
// device coming or going changes the branch list the table must follow.
type UdevMonitor struct {
	logger  *slog.Logger
	trigger Trigger
}

// NewUdevMonitor returns a monitor calling trigger for each matched event.
func NewUdevMonitor(logger *slog.Logger, trigger Trigger) *UdevMonitor {
	return &UdevMonitor{
		logger:  logging.NewComponentLogger(logger, "udev-monitor"),
		trigger: trigger,
	}
}

// Run blocks until ctx is done. Failing to open the netlink socket is not
// fatal; reloads then depend on the controller alone.
func (m *UdevMonitor) Run(ctx context.Context) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; branch hotplug will not reload watermarks",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "run the daemon as root or rerun aufhsm after branch changes"),
			logging.String(logging.FieldImpact, "automatic reload on hotplug unavailable"),
		)
		return nil
	}
	defer conn.Close()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, blockMatcher())
	defer close(quit)

	m.logger.Info("udev monitor started",
		logging.String(logging.FieldEventType, "udev_monitor_started"),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			m.logger.Warn("udev monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "udev_monitor_error"),
				logging.String(logging.FieldImpact, "hotplug reloads may be missed"),
			)
		}
	}
}

// blockMatcher matches SUBSYSTEM=block with ACTION=add|remove.
func blockMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "block",
		},
	})
	return rules
}

func (m *UdevMonitor) handleEvent(uevent netlink.UEvent) {
	m.logger.Info("block device change, reloading watermarks",
		logging.String(logging.FieldEventType, "udev_block_change"),
		logging.String("action", string(uevent.Action)),
		logging.String("devname", uevent.Env["DEVNAME"]),
	)
	if m.trigger != nil {
		m.trigger(SourceUdev)
	}
}
