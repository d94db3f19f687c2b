package rpc

import "time"

// Observer receives call lifecycle notifications, typically for metrics.
// Methods are called synchronously and must not block.
type Observer interface {
	CallStarted(target string)
	CallFinished(target string, state State, duration time.Duration)
	ReplyQueueOpened()
	ReplyQueueClosed()
	CleanupFailed(queue string, err error)
}

// NopObserver ignores all notifications
type NopObserver struct{}

func (NopObserver) CallStarted(string)                        {}
func (NopObserver) CallFinished(string, State, time.Duration) {}
func (NopObserver) ReplyQueueOpened()                         {}
func (NopObserver) ReplyQueueClosed()                         {}
func (NopObserver) CleanupFailed(string, error)               {}
