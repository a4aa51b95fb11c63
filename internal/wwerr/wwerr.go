// Package wwerr implements the error taxonomy from spec.md §7: invariant
// violations are fatal and terminate the process, protocol errors are
// logged and only affect the offending line, and a small set of sentinel
// errors cover the WireGuard encrypt path and routing misses.
package wwerr

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// ErrConn is returned by the WireGuard encrypt path when no eligible
// keypair is available or the current keypair has expired (spec.md §4.3
// step 1, §7 "Keypair ineligible / expired").
var ErrConn = errors.New("wireguard: no valid key for peer")

// ErrNoRoute names the case where no peer matches a packet's destination
// address during routing (spec.md §4.3 "Routing entry"). The WireGuard
// routing entry does not return it: it logs the miss and drops the packet.
var ErrNoRoute = errors.New("wireguard: no route for packet")

// Fatal logs an invariant violation with its call site, exactly as the
// original's LOGF(...) macro did with __FILENAME__/__LINE__, and
// terminates the process. Continuing after an invariant breach means
// operating on corrupted state, so os.Exit is the only correct response
// (spec.md §9 "Fatal invariant checks").
func Fatal(log *zap.Logger, msg string, fields ...zap.Field) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "unknown", 0
	}
	fields = append(fields, zap.String("site", fmt.Sprintf("%s:%d", file, line)))
	if log != nil {
		log.Error(msg, fields...)
		log.Sync()
	}
	os.Exit(1)
}
