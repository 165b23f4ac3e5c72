package application

import "context"

// UseCase is the entry point the presentation layer drives.
type UseCase[C any, R any] interface {
	Execute(ctx context.Context, cmd C) (R, error)
}
