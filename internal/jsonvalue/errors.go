package jsonvalue

import "errors"

// ErrInvalidJSON is returned by Parse when the input is not valid JSON.
var ErrInvalidJSON = errors.New("jsonvalue: invalid JSON document")
