package activation

import "github.com/btcsuite/btclog/v2"

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
