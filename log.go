package portmap

import "github.com/hlandau/xlog"

// log/Log follow the teacher's own convention (hlandau-portmap/maploop.go:
// "var log, Log = xlog.NewQuiet("portmap")"): a package-private logger for
// internal use, and an exported *xlog.Logger (Log) so a hosting application
// can attach its own sink or adjust verbosity.
var log, Log = xlog.NewQuiet("portmap")
