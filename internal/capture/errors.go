package capture

import "errors"

var (
	errShortMessage      = errors.New("capture: netlink message too short")
	errUnexpectedMessage = errors.New("capture: unexpected netlink message type")
	errMalformedAttr     = errors.New("capture: malformed nfattr chain")
)
