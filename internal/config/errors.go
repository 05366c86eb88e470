package config

import "errors"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrStoreNotFound      = errors.New("store not configured")
	ErrPodNotFound        = errors.New("pod not configured")
)

// Error reports one configuration problem. Path locates it, for example
// "stores.main.tableSpecifications[t_books]".
type Error struct {
	Path string
	Msg  string
}

func (e *Error) Error() string {
	return e.Path + ": " + e.Msg
}

// Unwrap lets errors.Is(err, ErrConfigInvalid) match.
func (*Error) Unwrap() error {
	return ErrConfigInvalid
}
