package data

import "github.com/pkg/errors"

// Store errors. Callers match them with errors.Is; driver errors are wrapped
// with context and passed through otherwise.
var (
	ErrNotFound           = errors.New("record not found")
	ErrSwipeExists        = errors.New("swipe already recorded")
	ErrMatchExists        = errors.New("match already exists")
	ErrBlockExists        = errors.New("block already recorded")
	ErrDuplicateSignature = errors.New("payment signature already used")
)
