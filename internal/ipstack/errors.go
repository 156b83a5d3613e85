package ipstack

import "errors"

var (
	ErrNoRoute     = errors.New("ipstack: no route to destination")
	ErrRoutingLoop = errors.New("ipstack: routing loop detected")
)
