package mocks

import (
	"time"
)

// Token is an already completed mqtt.Token carrying Err.
type Token struct {
	Err error
}

func (t *Token) Wait() bool {
	return true
}

func (t *Token) WaitTimeout(time.Duration) bool {
	return true
}

func (t *Token) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (t *Token) Error() error {
	return t.Err
}
