package executor

import "errors"

var (
	ErrMissingStageInput = errors.New("missing stage input")
	ErrPathNotFound      = errors.New("path not found")
)
