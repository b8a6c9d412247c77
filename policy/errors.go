package policy

import "errors"

var (
	ErrConfig        = errors.New("invalid policy configuration")
	ErrNotFitted     = errors.New("policy has not been fitted yet")
	ErrBatchRequired = errors.New("partial fit requires BatchTrain")
	ErrDimension     = errors.New("context dimension mismatch")
	ErrUnknownArm    = errors.New("unknown arm")
)
