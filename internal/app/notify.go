package app

import (
	"github.com/coreos/go-systemd/v22/daemon"
	logx "pacer/pkg/logx"
)

// notifyReady tells systemd (Type=notify units) that the daemon is up.
// A no-op outside systemd.
func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Debug("sd_notify ready failed", logx.Any("err", err))
		return
	}
	if sent {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		log.Debug("sd_notify stopping failed", logx.Any("err", err))
		return
	}
	if sent {
		log.Debug("sd_notify stopping sent")
	}
}
