package model

import "errors"

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrFetch         = errors.New("fetch failed")
	ErrInference     = errors.New("inference failed")
	ErrGeometry      = errors.New("invalid geometry")
	ErrConfiguration = errors.New("invalid configuration")
	ErrForbidden     = errors.New("forbidden")
)
