// Package rpc turns a one-shot publish/subscribe exchange into a blocking,
// cancellable request/reply call.
//
// Each call owns a server-named, exclusive, auto-delete reply queue. The
// request is published to the target queue with ReplyTo set to that queue,
// the first delivery on it resolves the call, and the queue is removed on
// every exit path. Because the reply queue belongs to exactly one call no
// correlation table is needed, and any number of calls may be in flight over
// the same Transport.
//
// Example usage:
//
//	client, err := rpc.NewClient(transport, rpc.WithTimeout(30*time.Second))
//	if err != nil {
//		return err
//	}
//	caller := rpc.NewCaller[Features, string](client, codec.JSON[Features]{}, codec.String{})
//
//	// Synchronous call
//	label, err := caller.Call(ctx, "weka.classify", features)
//
//	// Call that another goroutine may abandon
//	call := caller.Prepare("weka.classify", features)
//	go func() {
//		<-stop
//		call.Cancel()
//	}()
//	label, err = call.Do(ctx)
//	if errors.Is(err, rpc.ErrCancelled) {
//		// abandoned before a reply arrived
//	}
//
// The serving side is provided by Responder.
package rpc
