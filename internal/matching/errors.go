package matching

import "errors"

var (
	ErrNoCounselorAvailable = errors.New("no counselor available")
	ErrSelfMatch            = errors.New("cannot match a user with themselves")
)
