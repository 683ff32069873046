package errtrack

import "errors"

var ErrInit = errors.New("error tracker initialization failed")
