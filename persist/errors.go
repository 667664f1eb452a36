package persist

import "errors"

var (
	ErrBadMagic        = errors.New("persistence file: bad magic header")
	ErrUnsupportedVers = errors.New("persistence file: version newer than this broker supports")
	ErrTruncated       = errors.New("persistence file: truncated chunk")
	ErrDanglingRef     = errors.New("persistence file: chunk references a store id that was never written")
)
